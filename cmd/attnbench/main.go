package main

import (
	"fmt"
	"os"
)

func main() {
	err := NewRootCmd().Execute()

	stopErr := stopCPUProfile()
	if stopErr != nil && err == nil {
		err = stopErr
	}

	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)

		os.Exit(1)
	}
}
