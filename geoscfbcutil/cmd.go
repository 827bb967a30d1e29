/*
Copyright © 2024 the GEOSCFBC authors.
This file is part of GEOSCFBC.

GEOSCFBC is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

GEOSCFBC is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with GEOSCFBC.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package geoscfbcutil wires the geoscfbc library into a command-line
// interface.
package geoscfbcutil

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spatialmodel/geoscfbc"
	"github.com/spf13/cast"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	// Options are the configuration options available to GEOSCFBC.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Grid",
			usage: `
              Grid is the name of the destination grid, which must be
              defined in the GRIDDESC file.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "GridDesc",
			usage: `
              GridDesc is the location of the IOAPI GRIDDESC file
              defining the destination grid.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "OutputDir",
			usage: `
              OutputDir is the root directory for the extraction archive
              and output files.`,
			defaultVal: ".",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "FType",
			usage: `
              FType selects the artifact type: BCON for lateral boundary
              conditions or ICON for initial conditions.`,
			defaultVal: "BCON",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "VerticalRef",
			usage: `
              VerticalRef is an optional IOAPI meteorology file (such as
              a METCRO3D file) whose VGTYP, VGTOP, and VGLVLS attributes
              define the destination vertical coordinate. If it is empty,
              the standard 35-layer EPA coordinate is used.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Start",
			usage: `
              Start is the beginning of the requested period.
              Format = "2006-01-02T15".`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), extractCmd.Flags()},
		},
		{
			name: "End",
			usage: `
              End is the end of the requested period, inclusive.
              Format = "2006-01-02T15".`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), extractCmd.Flags()},
		},
		{
			name: "FreqHours",
			usage: `
              FreqHours is the spacing in hours between extracted
              timestamps. It must divide 24 evenly.`,
			defaultVal: 3,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), extractCmd.Flags(), cmaqreadyCmd.Flags()},
		},
		{
			name: "Workers",
			usage: `
              Workers bounds the number of days or timestamps processed
              concurrently. The default, zero, means the number of
              available processors.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), extractCmd.Flags()},
		},
		{
			name: "MaxTries",
			usage: `
              MaxTries is the total attempt budget for each remote fetch.`,
			defaultVal: 10,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), extractCmd.Flags()},
		},
		{
			name: "SleepSeconds",
			usage: `
              SleepSeconds is the pause between remote requests, to stay
              within the data server's rate limits.`,
			defaultVal: 60,
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), extractCmd.Flags()},
		},
		{
			name: "MetArchive",
			usage: `
              MetArchive is the location of a local mirror of the
              meteorology collection, with [DATE] as a wild card for the
              snapshot time. If it is empty, data are fetched from the
              NASA GMAO OpenDAP service.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), extractCmd.Flags()},
		},
		{
			name: "ChmArchive",
			usage: `
              ChmArchive is the location of a local mirror of the
              chemistry collection, with [DATE] as a wild card for the
              snapshot time. If it is empty, data are fetched from the
              NASA GMAO OpenDAP service.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), extractCmd.Flags()},
		},
		{
			name: "XgcArchive",
			usage: `
              XgcArchive is the location of a local mirror of the
              extended-gas collection, with [DATE] as a wild card for the
              snapshot time. If it is empty, data are fetched from the
              NASA GMAO OpenDAP service.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{runCmd.Flags(), extractCmd.Flags()},
		},
		{
			name: "MetRules",
			usage: `
              MetRules is the location of the meteorology derivation rule
              file. If it is empty, the built-in rules are used.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "GasRules",
			usage: `
              GasRules is the location of the gas-phase species
              derivation rule file. If it is empty, the built-in CB6
              rules are used.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "AeroRules",
			usage: `
              AeroRules is the location of the aerosol species derivation
              rule file. If it is empty, the built-in AERO7 rules are
              used.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Stamp",
			usage: `
              Stamp is the timestamp to translate.
              Format = "2006-01-02T15".`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{translateCmd.Flags()},
		},
		{
			name: "Day",
			usage: `
              Day is the calendar day to assemble.
              Format = "2006-01-02".`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{cmaqreadyCmd.Flags()},
		},
		{
			name: "Overwrite",
			usage: `
              Overwrite replaces existing output files instead of
              treating them as cached results.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{translateCmd.Flags(), cmaqreadyCmd.Flags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("GEOSCFBC")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, option.defaultVal.(int), option.usage)
				} else {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(runCmd)
	Root.AddCommand(extractCmd)
	Root.AddCommand(translateCmd)
	Root.AddCommand(cmaqreadyCmd)
}

// setConfig finds and reads in the configuration file, if there is one.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("geoscfbc: problem reading configuration file: %v", err)
		}
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "geoscfbc",
	Short: "Create CMAQ boundary and initial conditions from GEOS-CF.",
	Long: `geoscfbc extracts GEOS-CF global composition forecasts along the edge of a
CMAQ modeling domain and assembles CMAQ-ready lateral boundary condition
(BCON) and initial condition (ICON) files.

Refer to the subcommand documentation for configuration options and default
settings. Configuration can be changed by using a configuration file (and
providing the path to the file using the --config flag), by using
command-line arguments, or by setting environment variables in the format
'GEOSCFBC_var' where 'var' is the name of the variable to be set.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of GEOSCFBC.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("GEOSCFBC v%s\n", geoscfbc.Version)
	},
	DisableAutoGenTag: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the full pipeline.",
	Long: `run extracts the requested period from GEOS-CF, translates the extractions
into CMAQ species on the destination grid, and assembles the daily output
files. Completed stages are cached on disk, so an interrupted run can be
restarted and will only redo incomplete work.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := pipelineConfig(Cfg, false)
		if err != nil {
			return err
		}
		paths, err := geoscfbc.Default(context.Background(), cfg)
		for _, p := range paths {
			cmd.Println(p)
		}
		return err
	},
	DisableAutoGenTag: true,
}

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Run the extraction stage only.",
	Long: `extract archives the destination-relevant subset of the GEOS-CF collections
on local disk without translating it, for pre-staging data ahead of a run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := pipelineConfig(Cfg, true)
		if err != nil {
			return err
		}
		_, err = geoscfbc.Default(context.Background(), cfg)
		return err
	},
	DisableAutoGenTag: true,
}

var translateCmd = &cobra.Command{
	Use:   "translate",
	Short: "Translate one archived timestamp.",
	Long: `translate derives CMAQ species for a single previously extracted timestamp,
using the cell mapping recorded during extraction.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		stamp, err := timeOpt(Cfg, "Stamp", "2006-01-02T15")
		if err != nil {
			return err
		}
		trl, err := translator(Cfg)
		if err != nil {
			return err
		}
		path, err := trl.TranslateToFile(stamp, Cfg.GetBool("Overwrite"))
		if err != nil {
			return err
		}
		cmd.Println(path)
		return nil
	},
	DisableAutoGenTag: true,
}

var cmaqreadyCmd = &cobra.Command{
	Use:   "cmaqready",
	Short: "Assemble the daily file for one day.",
	Long: `cmaqready interpolates the translated files for one calendar day onto the
25-hour hourly axis that CMAQ expects, writing the final daily file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		day, err := timeOpt(Cfg, "Day", "2006-01-02")
		if err != nil {
			return err
		}
		grid, err := geoscfbc.ReadGridDesc(Cfg.GetString("GridDesc"), Cfg.GetString("Grid"))
		if err != nil {
			return err
		}
		ftype, err := parseFType(Cfg.GetString("FType"))
		if err != nil {
			return err
		}
		rs := &geoscfbc.Resampler{
			Grid:   grid,
			FType:  ftype,
			Root:   Cfg.GetString("OutputDir"),
			InFreq: time.Duration(Cfg.GetInt("FreqHours")) * time.Hour,
			Log:    logrus.StandardLogger(),
		}
		path, err := rs.Day(day, Cfg.GetBool("Overwrite"))
		if err != nil {
			return err
		}
		cmd.Println(path)
		return nil
	},
	DisableAutoGenTag: true,
}

// parseFType converts an artifact type name to its code.
func parseFType(s string) (geoscfbc.FType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ICON":
		return geoscfbc.ICON, nil
	case "BCON":
		return geoscfbc.BCON, nil
	default:
		return 0, fmt.Errorf("geoscfbc: invalid file type %q; want BCON or ICON", s)
	}
}

// timeOpt reads a time-valued option. Configuration files may provide
// option values as non-string types, so the raw value goes through cast
// first.
func timeOpt(cfg *viper.Viper, name, format string) (time.Time, error) {
	s, err := cast.ToStringE(cfg.Get(name))
	if err != nil {
		return time.Time{}, fmt.Errorf("geoscfbc: option %s: %v", name, err)
	}
	if s == "" {
		return time.Time{}, fmt.Errorf("geoscfbc: option %s must be set", name)
	}
	t, err := time.ParseInLocation(format, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("geoscfbc: option %s: %v", name, err)
	}
	return t, nil
}

// dataset returns the collection source for an archive option: a local
// mirror when a template is configured, the OpenDAP service otherwise.
func dataset(template, collection string) geoscfbc.Dataset {
	if template != "" {
		return geoscfbc.NewFileDataset(template)
	}
	return geoscfbc.NewDODSDataset(collection)
}

// pipelineConfig assembles a pipeline configuration from the
// configuration options.
func pipelineConfig(cfg *viper.Viper, extractOnly bool) (*geoscfbc.Config, error) {
	start, err := timeOpt(cfg, "Start", "2006-01-02T15")
	if err != nil {
		return nil, err
	}
	end, err := timeOpt(cfg, "End", "2006-01-02T15")
	if err != nil {
		return nil, err
	}
	ftype, err := parseFType(cfg.GetString("FType"))
	if err != nil {
		return nil, err
	}
	return &geoscfbc.Config{
		Grid:         cfg.GetString("Grid"),
		GridDescPath: cfg.GetString("GridDesc"),
		Start:        start,
		End:          end,
		Freq:         time.Duration(cfg.GetInt("FreqHours")) * time.Hour,
		VerticalRef:  cfg.GetString("VerticalRef"),
		FType:        ftype,
		Root:         cfg.GetString("OutputDir"),
		ExtractOnly:  extractOnly,
		Workers:      cfg.GetInt("Workers"),
		MaxTries:     cfg.GetInt("MaxTries"),
		Sleep:        time.Duration(cfg.GetInt("SleepSeconds")) * time.Second,
		Met:          dataset(cfg.GetString("MetArchive"), "met_tavg_1hr_g1440x721_v36"),
		Chm:          dataset(cfg.GetString("ChmArchive"), "chm_tavg_1hr_g1440x721_v36"),
		Xgc:          dataset(cfg.GetString("XgcArchive"), "xgc_tavg_1hr_g1440x721_v36"),
		MetRulePath:  cfg.GetString("MetRules"),
		GasRulePath:  cfg.GetString("GasRules"),
		AeroRulePath: cfg.GetString("AeroRules"),
		Log:          logrus.StandardLogger(),
	}, nil
}

// translator assembles a Translator from the configuration options and
// the recovery table recorded during extraction.
func translator(cfg *viper.Viper) (*geoscfbc.Translator, error) {
	grid, err := geoscfbc.ReadGridDesc(cfg.GetString("GridDesc"), cfg.GetString("Grid"))
	if err != nil {
		return nil, err
	}
	ftype, err := parseFType(cfg.GetString("FType"))
	if err != nil {
		return nil, err
	}
	root := cfg.GetString("OutputDir")
	pm, err := geoscfbc.ReadPerimeterCSV(geoscfbc.PerimPath(root, grid.Name, ftype))
	if err != nil {
		return nil, fmt.Errorf("geoscfbc: reading recovery table (has extraction run?): %w", err)
	}
	vg := geoscfbc.DefaultVerticalGrid()
	if p := cfg.GetString("VerticalRef"); p != "" {
		if vg, err = geoscfbc.ReadVerticalGrid(p); err != nil {
			return nil, err
		}
	}
	metRules, err := geoscfbc.LoadRuleSet(cfg.GetString("MetRules"), "met")
	if err != nil {
		return nil, err
	}
	gasRules, err := geoscfbc.LoadRuleSet(cfg.GetString("GasRules"), "gas")
	if err != nil {
		return nil, err
	}
	aeroRules, err := geoscfbc.LoadRuleSet(cfg.GetString("AeroRules"), "aerosol")
	if err != nil {
		return nil, err
	}
	return &geoscfbc.Translator{
		Grid:      grid,
		FType:     ftype,
		Map:       pm,
		MetRules:  metRules,
		GasRules:  gasRules,
		AeroRules: aeroRules,
		VG:        vg,
		Root:      root,
		Log:       logrus.StandardLogger(),
	}, nil
}
