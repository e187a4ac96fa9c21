package config

import (
	"fmt"
	"os"
	"runtime"
)

// CheckPermissions returns a warning when the config file can be read by
// group or other. A missing file, or a platform without POSIX modes, yields "".
func CheckPermissions(path string) string {
	if runtime.GOOS == "windows" {
		return ""
	}
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	perm := info.Mode().Perm()
	if perm&0o044 == 0 {
		return ""
	}
	who := "group"
	switch {
	case perm&0o004 != 0 && perm&0o040 != 0:
		who = "group and world"
	case perm&0o004 != 0:
		who = "world"
	}
	return fmt.Sprintf("config file %s is %s readable (mode %04o); it may hold credentials, consider chmod 600", path, who, perm)
}
