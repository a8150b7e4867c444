// Command ttrelay-node advertises a local application port to nearby peers
// and exposes discovered peers as loopback ports.
package main

import "os"

func main() {
    os.Exit(run(ParseFlags(os.Args[1:])))
}
