package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/paulmach/orb/geojson"
	"github.com/spf13/cobra"

	"imagery-pipeline/internal/cache"
	"imagery-pipeline/internal/config"
	"imagery-pipeline/internal/logging"
	"imagery-pipeline/internal/pipeline"
	"imagery-pipeline/internal/tile"
)

func main() {
	if err := executeContext(context.Background(), os.Args[1:]...); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "imagery-pipeline",
		Short:        "Download aerial imagery tiles for polygons and mosaic them per feature",
		Version:      Version,
		SilenceUsage: true,
	}
	root.AddCommand(newRunCmd(), newTileEdgesCmd(), newCoverCmd(), newCacheCmd())
	return root
}

// flag name -> koanf path for the overrides run accepts
var runFlags = []struct {
	name, path, usage string
	kind              string
}{
	{"input", "input", "GeoJSON file or directory of .geojson files", "string"},
	{"output", "output_dir", "output directory", "string"},
	{"id-field", "id_field", "feature property naming each output", "string"},
	{"grouping", "grouping", "feature or quadkey", "string"},
	{"group-zoom", "group_zoom", "quadkey prefix length for quadkey grouping", "int"},
	{"zoom", "zoom", "tile zoom level", "int"},
	{"format", "format", "tif, jpg, png, zip or none", "string"},
	{"compression", "compression", "GeoTIFF compression", "string"},
	{"mode", "processing_method", "mask, bounds or none", "string"},
	{"backend", "backend", "mosaic backend", "string"},
	{"api-key", "api.api_key", "tile API key", "string"},
	{"rate-limit-mode", "api.rate_limit_mode", "slow or fast", "string"},
	{"max-cores", "max_cores", "units processed at once", "int"},
	{"max-threads", "max_threads", "tile downloads at once across units", "int"},
	{"keep-tiles", "keep_tiles", "keep raw and scratch tiles", "bool"},
	{"log-level", "logging.level", "trace, debug, info, warn or error", "string"},
}

func newRunCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the download and mosaic pipeline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			overrides := map[string]interface{}{}
			for _, f := range runFlags {
				if !cmd.Flags().Changed(f.name) {
					continue
				}
				switch f.kind {
				case "int":
					n, _ := cmd.Flags().GetInt(f.name)
					overrides[f.path] = n
				case "bool":
					b, _ := cmd.Flags().GetBool(f.name)
					overrides[f.path] = b
				default:
					v, _ := cmd.Flags().GetString(f.name)
					overrides[f.path] = v
				}
			}

			cfg, err := config.Load(configPath, overrides)
			if err != nil {
				return err
			}
			logging.Init(loggingConfig(cfg, os.Stderr))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			app, err := NewApp(cfg)
			if err != nil {
				return err
			}
			defer app.Shutdown()
			return app.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "YAML configuration file")
	for _, f := range runFlags {
		switch f.kind {
		case "int":
			cmd.Flags().Int(f.name, 0, f.usage)
		case "bool":
			cmd.Flags().Bool(f.name, false, f.usage)
		default:
			cmd.Flags().String(f.name, "", f.usage)
		}
	}
	return cmd
}

func newTileEdgesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tile-edges x y z",
		Short: "Print the lon/lat edges of a tile",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var xyz [3]int
			for i, a := range args {
				v, err := strconv.Atoi(a)
				if err != nil {
					return fmt.Errorf("%s is not an integer", a)
				}
				xyz[i] = v
			}
			t, err := tile.New(xyz[0], xyz[1], xyz[2])
			if err != nil {
				return err
			}
			e := t.Edges()
			out, err := json.Marshal(map[string]interface{}{
				"tile":    t.String(),
				"quadkey": t.Quadkey(),
				"west":    e[0],
				"north":   e[1],
				"east":    e[2],
				"south":   e[3],
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newCoverCmd() *cobra.Command {
	var (
		input, idField string
		opts           tile.CoverOptions
		method         string
	)
	cmd := &cobra.Command{
		Use:   "cover",
		Short: "Print the tiles covering each feature as GeoJSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := tile.ParseMethod(method)
			if err != nil {
				return err
			}
			opts.Method = m
			raw, err := pipeline.ReadFeatures(input, idField)
			if err != nil {
				return err
			}

			fc := geojson.NewFeatureCollection()
			for _, f := range pipeline.CoverFeatures(raw, opts) {
				for _, t := range f.Tiles {
					feat := geojson.NewFeature(t.Polygon())
					feat.Properties = geojson.Properties{
						idField:   f.FID,
						"x":       t.X,
						"y":       t.Y,
						"zoom":    t.Z,
						"quadkey": t.Quadkey(),
					}
					fc.Append(feat)
				}
			}
			out, err := fc.MarshalJSON()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "GeoJSON file")
	cmd.Flags().StringVar(&idField, "id-field", "id", "feature property naming each feature")
	cmd.Flags().IntVarP(&opts.Zoom, "zoom", "z", 19, "tile zoom level")
	cmd.Flags().Float64Var(&opts.BufferMeters, "buffer", 0, "buffer distance in meters")
	cmd.Flags().BoolVar(&opts.RemoveHoles, "remove-holes", false, "drop interior rings")
	cmd.Flags().StringVar(&method, "method", "geometry", "geometry, bounds or bounds_per_feature")
	cmd.MarkFlagRequired("input")
	return cmd
}

func newCacheCmd() *cobra.Command {
	var dir string
	open := func() (*App, error) {
		cfg := cache.DefaultConfig()
		tc, err := cache.NewPersistentTileCache(dir, cfg.MaxSizeMB, cfg.TTLDays)
		if err != nil {
			return nil, err
		}
		return &App{tileCache: tc}, nil
	}

	cmd := &cobra.Command{Use: "cache", Short: "Inspect or clear the persistent tile cache"}
	cmd.PersistentFlags().StringVar(&dir, "dir", cache.GetCacheDir(), "cache directory")

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Print cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := open()
			if err != nil {
				return err
			}
			defer app.tileCache.Close()
			out, err := json.MarshalIndent(app.GetCacheStats(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}, &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached tile",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := open()
			if err != nil {
				return err
			}
			defer app.tileCache.Close()
			return app.ClearCache()
		},
	})
	return cmd
}

// executeContext runs the CLI with args
func executeContext(ctx context.Context, args ...string) error {
	root := newRootCmd()
	root.SetArgs(args)
	return root.ExecuteContext(ctx)
}
