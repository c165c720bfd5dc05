// shocker: a minimal container runtime. Pulls OCI/Docker images, unpacks
// their layers, and runs commands chrooted into the result inside an
// isolated, bridged network namespace.
package main

import (
	"os"

	"github.com/nielstenboom/shocker/pkg/cli"
)

func main() {
	os.Exit(cli.Execute())
}
