package fleet

import "fmt"

// InstallSpec parameterizes the remote installation script run on each fleet
// member.
type InstallSpec struct {
	ArtifactURL  string // s3://bucket/key
	AppDir       string
	BackupDir    string
	ServiceName  string
	ServiceOwner string
}

// InstallScript renders the shell script dispatched to a fleet member. The
// script snapshots the current deployed content to a timestamped backup,
// fetches the artifact, replaces the deployed content, fixes ownership, and
// restarts the service.
func InstallScript(spec InstallSpec) string {
	return fmt.Sprintf(`#!/bin/bash
set -euo pipefail
ts=$(date +%%Y%%m%%d%%H%%M%%S)
if [ -d %[1]q ]; then
  mkdir -p %[2]q
  cp -a %[1]q "%[2]s/$(basename %[1]q)-$ts"
fi
tmp=$(mktemp /tmp/artifact-XXXXXX.tar.gz)
aws s3 cp %[3]q "$tmp"
rm -rf %[1]q
mkdir -p %[1]q
tar -xzf "$tmp" -C %[1]q
rm -f "$tmp"
chown -R %[4]s:%[4]s %[1]q
systemctl restart %[5]s
`, spec.AppDir, spec.BackupDir, spec.ArtifactURL, spec.ServiceOwner, spec.ServiceName)
}
