package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/kasuganosora/playtest/config"
	"github.com/kasuganosora/playtest/harness"
	"github.com/kasuganosora/playtest/playlog"
	"github.com/kasuganosora/playtest/render"
)

type snapshot struct {
	PlayID      string          `json:"play_id"`
	Kind        string          `json:"kind"`
	Version     string          `json:"version"`
	Width       int             `json:"width"`
	Height      int             `json:"height"`
	FPS         int             `json:"fps"`
	Age         int64           `json:"age"`
	Scene       string          `json:"scene"`
	CurrentTime float64         `json:"current_time"`
	Vars        json.RawMessage `json:"vars"`
	Eval        json.RawMessage `json:"eval,omitempty"`
}

func main() {
	flags := pflag.NewFlagSet("playtest", pflag.ExitOnError)
	cfgPath := flags.StringP("config", "c", "", "YAML config file")
	gamePath := flags.StringP("game", "g", "", "path to game.json (empty runs the built-in empty content)")
	playlogPath := flags.StringP("playlog", "p", "", "replay a recorded playlog instead of authoring one")
	duration := flags.Float64P("duration", "d", 1000, "simulated milliseconds to run")
	framewise := flags.Bool("framewise", false, "advance frame by frame instead of one uniform window")
	verbose := flags.BoolP("verbose", "v", false, "log everything down to debug")
	dumpOut := flags.String("dump", "", "write the play's log to this file")
	pngOut := flags.String("png", "", "render in canvas mode and write the primary surface as PNG")
	evalSrc := flags.StringP("eval", "e", "", "JS expression evaluated in the game after the run")
	_ = flags.Parse(os.Args[1:])

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		if cfg, err = config.Load(*cfgPath); err != nil {
			log.Fatalf("config: %v", err)
		}
	}

	opts := harness.Options{
		GameJSONPath: *gamePath,
		Verbose:      *verbose,
		Config:       cfg,
		LogWriter:    os.Stderr,
	}
	if *playlogPath != "" {
		raw, err := os.ReadFile(*playlogPath)
		if err != nil {
			log.Fatalf("playlog: %v", err)
		}
		dump := &playlog.Dump{}
		if err := json.Unmarshal(raw, dump); err != nil {
			log.Fatalf("playlog: %v", err)
		}
		opts.Playlog = dump
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	hc, err := harness.NewContext(opts)
	if err != nil {
		log.Fatalf("harness: %v", err)
	}
	defer hc.Close(context.Background())
	logger := hc.Logger()

	params := harness.StartParams{}
	if *pngOut != "" {
		params.RenderingMode = render.ModeCanvas
	}
	client, err := hc.GameClient(ctx, params)
	if err != nil {
		log.Fatalf("start: %v", err)
	}

	if opts.Playlog != nil {
		err = client.AdvanceToLatest(ctx, 0)
	} else if *framewise {
		err = hc.AdvanceFramewise(ctx, *duration)
	} else {
		err = hc.AdvanceUniform(ctx, *duration)
	}
	if err != nil {
		log.Fatalf("run: %v", err)
	}

	g := client.Game()
	snap := snapshot{
		PlayID:      hc.PlayID(),
		Kind:        string(client.Kind()),
		Version:     g.Version().String(),
		Width:       g.Width(),
		Height:      g.Height(),
		FPS:         g.FPS(),
		Age:         g.Age(),
		Scene:       g.SceneName(),
		CurrentTime: g.CurrentTime(),
	}
	if err := g.EvalJSON("g.game.vars", &snap.Vars); err != nil {
		logger.Warn("vars not serializable", zap.Error(err))
	}
	if *evalSrc != "" {
		if err := g.EvalJSON(*evalSrc, &snap.Eval); err != nil {
			log.Fatalf("eval: %v", err)
		}
	}

	if *dumpOut != "" {
		dump, err := hc.DumpPlaylog(ctx)
		if err != nil {
			log.Fatalf("dump: %v", err)
		}
		raw, err := json.Marshal(dump)
		if err != nil {
			log.Fatalf("dump: %v", err)
		}
		if err := os.WriteFile(*dumpOut, raw, 0o644); err != nil {
			log.Fatalf("dump: %v", err)
		}
		logger.Info("playlog written", zap.String("path", *dumpOut), zap.Int("ticks", len(dump.Ticks)))
	}

	if *pngOut != "" {
		surface, err := client.PrimarySurface()
		if err != nil {
			log.Fatalf("png: %v", err)
		}
		f, err := os.Create(*pngOut)
		if err != nil {
			log.Fatalf("png: %v", err)
		}
		if err := surface.EncodePNG(f); err != nil {
			f.Close()
			log.Fatalf("png: %v", err)
		}
		if err := f.Close(); err != nil {
			log.Fatalf("png: %v", err)
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
