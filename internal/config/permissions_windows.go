//go:build windows

package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

var broadPrincipals = []string{"everyone", "authenticated users", "builtin\\users"}

// checkFilePermissions warns when the config ACL grants access to broad groups.
func checkFilePermissions(path string) string {
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	out, err := exec.Command("icacls", path).Output()
	if err != nil {
		return ""
	}
	acl := strings.ToLower(string(out))
	for _, p := range broadPrincipals {
		if strings.Contains(acl, p) {
			return fmt.Sprintf(
				"WARNING: config %s is readable by %q; it may hold store passwords and the backup passphrase.\n"+
					"         icacls \"%s\" /inheritance:r /grant:r \"%%USERNAME%%:F\"\n\n",
				path, p, path,
			)
		}
	}
	return ""
}
