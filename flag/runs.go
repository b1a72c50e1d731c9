package flag

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/govmx/probe"
	"github.com/bobuhiro11/govmx/vmm"
	"github.com/pkg/profile"
)

const (
	programName = "govmx"
	programDesc = "govmx is a small VT-x virtualization core with a simulated processor"
)

func options() []kong.Option {
	return []kong.Option{
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	}
}

// New returns the parser for c, for callers that bring their own
// arguments.
func New(c *CLI) (*kong.Kong, error) {
	return kong.New(c, options()...)
}

func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c, options()...)

	return ctx.Run()
}

func (d *ProbeCMD) Run() error {
	return probe.Host(context.Background(), os.Stdout)
}

// Config maps the flags onto a vmm configuration.
func (s *SimulateCMD) Config() (vmm.Config, error) {
	entry, err := strconv.ParseUint(s.Entry, 0, 64)
	if err != nil {
		return vmm.Config{}, fmt.Errorf("entry %q: %w", s.Entry, err)
	}

	ram, err := ParseSize(s.RAMSize, "m")
	if err != nil {
		return vmm.Config{}, err
	}

	arena, err := ParseSize(s.Arena, "k")
	if err != nil {
		return vmm.Config{}, err
	}

	return vmm.Config{
		Image:     s.Image,
		Entry:     entry,
		RAMSize:   ram,
		ArenaSize: arena,
		MaxExits:  s.MaxExits,
		Trace:     s.Trace,
	}, nil
}

func (s *SimulateCMD) Run() error {
	c, err := s.Config()
	if err != nil {
		return err
	}

	switch s.Profile {
	case "cpu":
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(".")).Stop()
	case "mem":
		defer profile.Start(profile.MemProfile, profile.ProfilePath(".")).Stop()
	}

	v := vmm.New(c)

	if err := v.Init(); err != nil {
		return err
	}

	if err := v.Setup(); err != nil {
		return err
	}

	return v.Boot()
}
