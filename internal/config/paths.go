package config

import "path/filepath"

// DirName is the per-project runtime directory created by `mend init`.
const DirName = ".mend"

func Dir(projectRoot string) string {
	return filepath.Join(projectRoot, DirName)
}

func ConfigFile(mendDir string) string {
	return filepath.Join(mendDir, "config.yaml")
}

func StateFile(mendDir string) string {
	return filepath.Join(mendDir, "state", "engine.yaml")
}

func StateLockFile(mendDir string) string {
	return filepath.Join(mendDir, "locks", "state.lock")
}

func EngineLockFile(mendDir string) string {
	return filepath.Join(mendDir, "locks", "engine.lock")
}

func SocketFile(mendDir string) string {
	return filepath.Join(mendDir, "mendd.sock")
}

func LogDir(mendDir string) string {
	return filepath.Join(mendDir, "logs")
}

func DaemonLogFile(mendDir string) string {
	return filepath.Join(LogDir(mendDir), "mendd.log")
}

func AuditLogFile(mendDir string) string {
	return filepath.Join(LogDir(mendDir), "audit.jsonl")
}

func EscalationsDir(mendDir string) string {
	return filepath.Join(mendDir, "escalations")
}

func QuarantineDir(mendDir string) string {
	return filepath.Join(mendDir, "quarantine")
}
