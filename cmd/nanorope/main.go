package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/unixsysdev/nano-go-rope/cmd"
)

func main() {
	cobra.CheckErr(cmd.NewCLI().ExecuteContext(context.Background()))
}
