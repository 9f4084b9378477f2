// Command lithoglyph inspects and maintains a lithoglyph database:
// superblock info, block listings, journal history and checkpointing.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	lithoglyph "github.com/hyperpolymath/lithoglyph-sub002"
)

var CLI struct {
	Path   string `name:"path" short:"p" help:"Database directory" type:"path" default:"."`
	Config string `name:"config" short:"c" help:"Optional YAML config file" type:"path"`
	Quiet  bool   `name:"quiet" short:"q" help:"Suppress component logs"`

	Info       InfoCmd       `cmd:"" help:"Show superblock metadata"`
	Blocks     BlocksCmd     `cmd:"" help:"List live blocks of a type"`
	Journal    JournalCmd    `cmd:"" help:"List committed journal entries"`
	Schema     SchemaCmd     `cmd:"" help:"Show the collection registry"`
	Checkpoint CheckpointCmd `cmd:"" help:"Write a journal checkpoint"`
}

func openDB() (*lithoglyph.DB, error) {
	cfg := lithoglyph.Config{Path: CLI.Path}
	if CLI.Config != "" {
		loaded, err := lithoglyph.LoadConfig(CLI.Config)
		if err != nil {
			return nil, err
		}
		cfg = loaded
		if cfg.Path == "" {
			cfg.Path = CLI.Path
		}
	}
	if CLI.Quiet {
		log := logrus.New()
		log.SetLevel(logrus.ErrorLevel)
		cfg.Logger = log
	}
	return lithoglyph.Open(cfg)
}

type InfoCmd struct{}

func (c *InfoCmd) Run() error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	sb := db.Superblock()
	fmt.Printf("uuid:            %s\n", sb.UUID)
	fmt.Printf("name:            %s\n", sb.Name)
	fmt.Printf("journal head:    %d\n", sb.JournalHead)
	fmt.Printf("last checkpoint: %d\n", sb.LastCheckpoint)
	fmt.Printf("total blocks:    %d\n", sb.TotalBlocks)
	fmt.Printf("free blocks:     %d\n", sb.FreeBlocks)
	return nil
}

type BlocksCmd struct {
	Type string `arg:"" help:"Block type (document, edge, collection-meta, ...)"`
}

func (c *BlocksCmd) Run() error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	out, err := db.ReadBlocks(c.Type)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

type JournalCmd struct {
	Since uint64 `name:"since" help:"Only entries after this sequence" default:"0"`
}

func (c *JournalCmd) Run() error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	out, err := db.JournalEntries(c.Since)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

type SchemaCmd struct{}

func (c *SchemaCmd) Run() error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	out, err := db.Schema()
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

type CheckpointCmd struct{}

func (c *CheckpointCmd) Run() error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	seq, err := db.Checkpoint()
	if err != nil {
		return err
	}
	fmt.Printf("checkpoint written at sequence %d\n", seq)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("lithoglyph"),
		kong.Description("lithoglyph storage core inspection tool"),
		kong.UsageOnError(),
	)
	if err := ctx.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
