// Command paygate runs an x402 payment gate in front of HTTP resources and
// provides a paying client for trying it out.
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "client":
		err = runClient(os.Args[2:])
	default:
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "paygate:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("paygate - x402 payment gate")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  paygate serve [flags]   - Run the gate with the routes of a config file")
	fmt.Println("  paygate client [flags]  - Fetch a resource, paying for it when asked")
	fmt.Println()
	fmt.Println("Run 'paygate serve --help' or 'paygate client --help' for more information.")
}
