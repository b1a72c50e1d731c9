package flag

// CLI is the command line: one subcommand per mode.
type CLI struct {
	Probe    ProbeCMD    `cmd:"" help:"Report the VMX capability of this host."`
	Simulate SimulateCMD `cmd:"" help:"Run a guest image on the simulated processor."`
}

type ProbeCMD struct{}

type SimulateCMD struct {
	Image    string `arg:"" optional:"" type:"existingfile" help:"Flat real-mode guest binary. Defaults to a built-in demo."`
	Entry    string `short:"e" default:"0x7c00" help:"Guest-physical load address and entry point, in any base."`
	RAMSize  string `name:"ram" short:"m" default:"2M" help:"Guest RAM: number[gGmMkK], defaults to M."`
	Arena    string `short:"a" default:"256K" help:"Control structure arena: number[gGmMkK], defaults to K."`
	MaxExits int    `short:"n" default:"10000" help:"Stop after this many exits, 0 for no limit."`
	Trace    bool   `short:"T" help:"Log every exit with the instruction that caused it."`
	Profile  string `enum:"none,cpu,mem" default:"none" help:"Write a cpu or mem profile to the working directory."`
}
