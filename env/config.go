package env

import "go.uber.org/zap"

// Config defines parameters to create environment builder
type Config struct {
	// BoxRoot is the parent of per slot working directories
	BoxRoot      string
	SeccompConf  string
	CgroupPrefix string
	// UID / GID run the untrusted programs, 0 keeps the current credential
	UID        int
	GID        int
	NoFallback bool
	Logger     *zap.Logger
}
