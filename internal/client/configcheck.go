package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kr/pretty"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/zrepl/yaml-config"

	"github.com/zrepl/procmesh/internal/cli"
	"github.com/zrepl/procmesh/internal/config"
	"github.com/zrepl/procmesh/internal/daemon/logging"
)

var configcheckArgs struct {
	format string
	what   string
}

var ConfigcheckCmd = &cli.Subcommand{
	Use:   "configcheck",
	Short: "check if config can be parsed without errors",
	SetupFlags: func(f *pflag.FlagSet) {
		f.StringVar(&configcheckArgs.format, "format", "", "dump parsed config object [pretty|yaml|json]")
		f.StringVar(&configcheckArgs.what, "what", "all", "what to print [all|config|logging]")
	},
	Run: func(ctx context.Context, subcommand *cli.Subcommand, args []string) error {
		return runConfigcheck(subcommand.Config(), configcheckArgs.format, configcheckArgs.what)
	},
}

func runConfigcheck(conf *config.Config, format, what string) error {
	formatMap := map[string]func(interface{}){
		"": func(i interface{}) {},
		"pretty": func(i interface{}) {
			if _, err := pretty.Println(i); err != nil {
				panic(err)
			}
		},
		"json": func(i interface{}) {
			if err := json.NewEncoder(os.Stdout).Encode(i); err != nil {
				panic(err)
			}
		},
		"yaml": func(i interface{}) {
			if err := yaml.NewEncoder(os.Stdout).Encode(i); err != nil {
				panic(err)
			}
		},
	}

	formatter, ok := formatMap[format]
	if !ok {
		return fmt.Errorf("unsupported --format %q", format)
	}

	var hadErr bool

	outlets, err := logging.OutletsFromConfig(*conf.Global.Logging)
	if err != nil {
		err := errors.Wrap(err, "cannot build logging from config")
		if what == "logging" {
			return err
		}
		fmt.Fprintf(os.Stderr, "%s\n", err)
		outlets = nil
		hadErr = true
	}

	whatMap := map[string]func(){
		"all": func() {
			o := struct {
				config  *config.Config
				outlets interface{}
			}{conf, outlets}
			formatter(o)
		},
		"config": func() {
			formatter(conf)
		},
		"logging": func() {
			formatter(outlets)
		},
	}

	wf, ok := whatMap[what]
	if !ok {
		return fmt.Errorf("unsupported --what %q", what)
	}
	wf()

	if hadErr {
		return fmt.Errorf("config parsing failed")
	}
	return nil
}
