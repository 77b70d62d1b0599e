package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bft-labs/starpool/pkg/schema"
	"github.com/bft-labs/starpool/pkg/worker"
)

// envTypes hands the message type list to workers so both sides build the
// same registry.
const envTypes = "STARPOOL_TYPES"

// printCallback is answered by the supervisor: the value is written to
// stderr and echoed back.
const printCallback = "print"

func registry(types []string) (*schema.Registry, error) {
	return schema.NewBuilder().
		Dynamic(types...).
		DynamicCallbacks(printCallback).
		Build()
}

func typesFromEnv() []string {
	var out []string
	for _, t := range strings.Split(os.Getenv(envTypes), ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func runWorker() int {
	reg, err := registry(typesFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "starpool worker: %v\n", err)
		return 2
	}
	return worker.Main(reg, worker.StarlarkLoader)
}

func workerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Short:  "Serve a supervisor connection (started by the pool)",
		Hidden: true,
		Args:   cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(runWorker())
		},
	}
}
