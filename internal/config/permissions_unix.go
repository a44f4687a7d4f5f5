//go:build unix

package config

import (
	"fmt"
	"os"
)

// checkFilePermissions warns when the config is readable beyond its owner.
// The file carries store passwords, the blob secret key and the backup passphrase.
func checkFilePermissions(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	if mode := info.Mode().Perm(); mode&0077 != 0 {
		return fmt.Sprintf(
			"WARNING: config %s is group/world accessible (%04o); it may hold store passwords and the backup passphrase.\n"+
				"         Run: chmod 600 %s\n\n",
			path, mode, path,
		)
	}
	return ""
}
