package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"signalmesh/internal/config"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	app := newApp(stdin, stdout, stderr)
	if err := app.Run(append([]string{app.Name}, args...)); err != nil {
		fmt.Fprintf(stderr, "meshnode: %v\n", err)
		return 1
	}
	return 0
}

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "TOML config file",
		EnvVars: []string{"MESH_CONFIG"},
	}
	envFileFlag = &cli.StringSliceFlag{
		Name:  "env-file",
		Usage: "dotenv files applied before MESH_* variables (missing files are skipped)",
		Value: cli.NewStringSlice(".env"),
	}
	dataDirFlag = &cli.StringFlag{
		Name:  "data-dir",
		Usage: "state directory (overrides node.data_dir)",
	}
)

func newApp(stdin io.Reader, stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:            "meshnode",
		Usage:           "signalmesh relay node for emergency and peer messaging",
		Reader:          stdin,
		Writer:          stdout,
		ErrWriter:       stderr,
		HideVersion:     true,
		ExitErrHandler:  func(*cli.Context, error) {},
		Flags:           []cli.Flag{configFlag, envFileFlag, dataDirFlag},
		Commands:        []*cli.Command{runCommand, trustCommand, filterCommand, configCommand, idCommand},
		CommandNotFound: func(c *cli.Context, name string) { fmt.Fprintf(c.App.ErrWriter, "unknown command: %s\n", name) },
	}
}

// loadConfig applies the global flags on top of config.Load.
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String(configFlag.Name), c.StringSlice(envFileFlag.Name)...)
	if err != nil {
		return config.Config{}, err
	}
	if dir := c.String(dataDirFlag.Name); dir != "" {
		cfg.Node.DataDir = dir
	}
	return cfg, nil
}
