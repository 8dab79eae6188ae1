// stagexfer - encrypted parallel transfers to and from cloud stages
package main

import (
	"fmt"
	"os"

	"github.com/rescale/stagexfer/internal/cli"
	"github.com/rescale/stagexfer/internal/fips"
)

func main() {
	if err := fips.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(2) // compliance failure
	}

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
