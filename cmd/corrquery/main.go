package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("corrquery"),
		kong.Description("Query correlations from the terminal"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	)

	g := &Globals{CLI: &cli, Out: os.Stdout}
	if err := ctx.Run(g); err != nil {
		fmt.Fprintf(os.Stderr, "corrquery: %v\n", err)
		os.Exit(1)
	}
}
