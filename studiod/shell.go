package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/TUM-Dev/streamstudio/studiod/studio"
)

const prompt = "studio> "

var errQuit = errors.New("quit")

// shell reads one command per line and runs it against the studio.
type shell struct {
	manager   *studio.Manager
	pipelines *studio.PipelineSet
	relay     *studio.Relay
	out       io.Writer
}

func (s *shell) run(ctx context.Context, in io.Reader) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		fmt.Fprint(s.out, prompt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-scanErr:
			return err
		case line := <-lines:
			err := s.exec(ctx, line)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(s.out, "error: %v\n", err)
			}
		}
	}
}

// exec runs a single command line.
func (s *shell) exec(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	root := s.commands()
	root.SetArgs(args)
	root.SetOut(s.out)
	root.SetErr(s.out)
	return root.ExecuteContext(ctx)
}

func (s *shell) commands() *cobra.Command {
	root := &cobra.Command{
		Use:           "studio",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		&cobra.Command{
			Use:   "add <locator> [key]",
			Short: "Add a device (/dev/...), test (test://<pattern>) or file source",
			Args:  cobra.RangeArgs(1, 2),
			RunE: func(cmd *cobra.Command, args []string) error {
				spec, err := studio.ParseLocator(args[0])
				if err != nil {
					return err
				}
				key := args[0]
				if len(args) == 2 {
					key = args[1]
				}
				if err := s.manager.AddSourceBranch(cmd.Context(), key, spec); err != nil {
					return err
				}
				cmd.Printf("added %s\n", key)
				return nil
			},
		},
		&cobra.Command{
			Use:   "add_file <path>",
			Short: "Add every stream of a media file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := s.manager.AddFileBranch(cmd.Context(), args[0]); err != nil {
					return err
				}
				cmd.Printf("added %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "remove <key>",
			Short: "Remove a source",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := s.manager.RemoveSourceBranch(cmd.Context(), args[0]); err != nil {
					return err
				}
				cmd.Printf("removed %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "switch <key>",
			Short: "Put a source on the program output",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return s.manager.Switcher().Activate(args[0])
			},
		},
		&cobra.Command{
			Use:   "play",
			Short: "Set the studio to PLAYING",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return s.manager.Play()
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List sources and ad-hoc pipelines",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				s.list(cmd.OutOrStdout())
			},
		},
		&cobra.Command{
			Use:                "pipeline <description>",
			Short:              "Launch an ad-hoc pipeline",
			DisableFlagParsing: true,
			RunE: func(cmd *cobra.Command, args []string) error {
				if len(args) == 0 {
					return fmt.Errorf("%w: empty", studio.ErrInvalidDescription)
				}
				id, err := s.pipelines.Launch(strings.Join(args, " "))
				if err != nil {
					return err
				}
				cmd.Println(id)
				return nil
			},
		},
		&cobra.Command{
			Use:   "stop <id>",
			Short: "Stop an ad-hoc pipeline",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := parsePipelineID(args[0])
				if err != nil {
					return err
				}
				return s.pipelines.Stop(id)
			},
		},
		&cobra.Command{
			Use:   "save <file>",
			Short: "Save the running ad-hoc pipelines",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := s.pipelines.Save(args[0])
				if err != nil {
					return err
				}
				cmd.Printf("saved %s\n", path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "open <file>",
			Short: "Launch the pipelines of a saved file",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				ids, err := s.pipelines.Open(args[0])
				for _, id := range ids {
					cmd.Println(id)
				}
				return err
			},
		},
		&cobra.Command{
			Use:   "graph [id]",
			Short: "Print the studio graph, or an ad-hoc pipeline, in graphviz format",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if len(args) == 0 {
					cmd.Print(s.manager.Graph().Dot())
					return nil
				}
				id, err := parsePipelineID(args[0])
				if err != nil {
					return err
				}
				dot, err := s.pipelines.Dot(id)
				if err != nil {
					return err
				}
				cmd.Print(dot)
				return nil
			},
		},
		&cobra.Command{
			Use:       "carousel on|off",
			Short:     "Replace the program with alternating black and white frames",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{"on", "off"},
			RunE: func(cmd *cobra.Command, args []string) error {
				if s.relay == nil {
					return errors.New("no program relay running")
				}
				switch args[0] {
				case "on":
					s.relay.SetCarousel(true)
				case "off":
					s.relay.SetCarousel(false)
				default:
					return fmt.Errorf("carousel takes on or off, not %q", args[0])
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "quit",
			Short: "Leave the shell and stop the studio",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return errQuit
			},
		},
	)
	return root
}

func (s *shell) list(w io.Writer) {
	fmt.Fprintln(w, "sources:")
	for _, b := range s.manager.Branches() {
		mark := " "
		if b.Active {
			mark = "*"
		}
		spec := studio.SourceSpec{Kind: b.Kind, Locator: b.Locator}
		fmt.Fprintf(w, "%s %-20s %-7s %-30s slot %d, %d streams, %d frames", mark, b.Key, b.Kind, spec, b.Slot, b.Streams, b.Rendered)
		if b.RemovalPending {
			fmt.Fprint(w, " (removal pending)")
		}
		fmt.Fprintln(w)
	}

	infos := s.pipelines.List()
	if len(infos) == 0 {
		return
	}
	fmt.Fprintln(w, "pipelines:")
	for _, p := range infos {
		fmt.Fprintf(w, "  %s  %s  %s\n", p.ID, p.Started.Format("15:04:05"), p.Description)
	}
}

func parsePipelineID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q is not a pipeline id", studio.ErrUnknownPipeline, s)
	}
	return id, nil
}
