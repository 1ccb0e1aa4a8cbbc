//go:build seccomp

package env

import (
	"fmt"
	"syscall"

	"github.com/criyle/go-sandbox/pkg/seccomp"
	seccompbpf "github.com/elastic/go-seccomp-bpf"
	"github.com/elastic/go-ucfg/yaml"
	"golang.org/x/net/bpf"
)

// readSeccompConf compiles the seccomp policy YAML applied to untrusted
// runs. Compilations are never filtered.
func readSeccompConf(name string) (seccomp.Filter, error) {
	if name == "" {
		return nil, nil
	}
	conf, err := yaml.NewConfigWithFile(name)
	if err != nil {
		return nil, fmt.Errorf("seccomp policy %s: %w", name, err)
	}
	var policy seccompbpf.Policy
	if err := conf.Unpack(&policy); err != nil {
		return nil, fmt.Errorf("seccomp policy %s: %w", name, err)
	}
	inst, err := policy.Assemble()
	if err != nil {
		return nil, fmt.Errorf("seccomp policy %s: %w", name, err)
	}
	raw, err := bpf.Assemble(inst)
	if err != nil {
		return nil, fmt.Errorf("seccomp policy %s: %w", name, err)
	}

	filter := make(seccomp.Filter, len(raw))
	for i, r := range raw {
		filter[i] = syscall.SockFilter{Code: r.Op, Jt: r.Jt, Jf: r.Jf, K: r.K}
	}
	return filter, nil
}
