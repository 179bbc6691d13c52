// Command ztsdk-one runs a ZeroTier node as a standalone service.
package main

import "os"

func main() {
    os.Exit(run(ParseFlags(os.Args[1:])))
}
