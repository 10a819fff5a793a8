package main

import (
	"fmt"
	"os"

	"github.com/danmuck/shellsurface/internal/config"
	"github.com/spf13/pflag"
)

func defaultPath(kind string) (string, error) {
	switch kind {
	case config.KindAuthority:
		return "cmd/shellsrv/config.toml", nil
	case config.KindPeer:
		return "cmd/shellpeer/config.toml", nil
	default:
		return "", fmt.Errorf("unknown kind: %s", kind)
	}
}

func main() {
	kind := pflag.String("kind", config.KindAuthority, "config kind: authority|peer")
	output := pflag.String("output", "", "output path for config template")
	validate := pflag.Bool("validate", false, "validate an existing config file")
	input := pflag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := pflag.Bool("force", false, "overwrite existing config file")
	stdout := pflag.Bool("stdout", false, "print the template instead of writing it")
	pflag.Parse()

	if err := run(*kind, *output, *input, *validate, *force, *stdout); err != nil {
		fmt.Fprintf(os.Stderr, "shellconfig: %v\n", err)
		os.Exit(1)
	}
}

func run(kind, output, input string, validate, force, stdout bool) error {
	if validate {
		path := input
		if path == "" {
			p, err := defaultPath(kind)
			if err != nil {
				return err
			}
			path = p
		}
		if err := config.Validate(path, kind); err != nil {
			return err
		}
		fmt.Printf("validated %s config at %s\n", kind, path)
		return nil
	}

	if stdout {
		out, err := config.Template(kind)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	}

	target := output
	if target == "" {
		p, err := defaultPath(kind)
		if err != nil {
			return err
		}
		target = p
	}
	if err := config.WriteTemplate(target, kind, force); err != nil {
		return err
	}
	fmt.Printf("wrote %s config template to %s\n", kind, target)
	return nil
}
