package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/fmueller/voxserve/internal/whisper"
	"github.com/spf13/cobra"
)

var errNotReady = errors.New("voxserve is not ready to serve")

func newCheckCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the engine, transcoder and tier models without serving",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runCheck(cmd.OutOrStdout())
		},
	}
}

func (a *appState) runCheck(out io.Writer) error {
	ok := true
	report := func(name string, err error) {
		if err != nil {
			ok = false
			fmt.Fprintf(out, "%-8s FAIL  %v\n", name, err)
			return
		}
		fmt.Fprintf(out, "%-8s ok\n", name)
	}

	engine, err := whisper.NewBundledEngine(a.cfg.Engine.Path, a.log())
	if err == nil {
		fmt.Fprintf(out, "%-8s ok    %s\n", "engine", engine.Executable)
	} else {
		report("engine", err)
	}

	stager, err := a.newStager()
	if err == nil {
		err = stager.Check()
	}
	report("ffmpeg", err)

	tiers, tiersErr := a.validateTiers()
	for _, model := range whisper.Catalog() {
		usable, err := tiers.Lookup(model.Tier)
		if err == nil {
			fmt.Fprintf(out, "%-8s ok    %s\n", "tier:"+string(model.Tier), usable.Path)
			continue
		}
		fmt.Fprintf(out, "%-8s FAIL  %v\n", "tier:"+string(model.Tier), err)
	}
	if tiersErr != nil {
		ok = false
	}

	if !ok {
		return errNotReady
	}
	return nil
}
