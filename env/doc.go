// Package env creates the sandbox environments used by envexec.
//
// For linux, each environment is a working directory owned by an unprivileged
// user. Processes are started by go-sandbox forkexec in new ipc, net, uts and
// pid namespaces, limited by rlimits and a per execution cgroup when cgroup
// is available. Untrusted runs are also restricted by the seccomp filter
// when one is configured.
//
// Other platforms are not supported.
package env
