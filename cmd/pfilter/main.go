package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"pfilter"
	"pfilter/internal/sir"
)

var (
	configPath string
	obsPath    string
	startDate  string
	endDate    string
	fsDates    []string
	resultFile string
	csvDir     string
	population float64
	logLevel   string
	verbose    bool
)

func setupLogger(level string, verbose bool) *logrus.Logger {
	logger := logrus.New()

	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	switch strings.ToLower(level) {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		if verbose {
			logger.SetLevel(logrus.DebugLevel)
		} else {
			logger.SetLevel(logrus.InfoLevel)
		}
	}
	return logger
}

var rootCmd = &cobra.Command{
	Use:   "pfilter",
	Short: "Particle filter forecasts of epidemic case counts",
}

var forecastCmd = &cobra.Command{
	Use:   "forecast",
	Short: "Fit an SIR model to case counts and forecast from each date",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runForecast(setupLogger(logLevel, verbose))
	},
}

var exampleConfigCmd = &cobra.Command{
	Use:   "example-config",
	Short: "Print a configuration file with the default values",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Print(pfilter.ExampleConfig)
	},
}

func runForecast(logger *logrus.Logger) error {
	// 1. Read the configuration
	cfg := pfilter.DefaultConfig()
	if configPath != "" {
		var err error
		if cfg, err = pfilter.ReadConfig(configPath); err != nil {
			return err
		}
	}

	// 2. Set up the time scale, in days since the start date
	base, err := time.Parse("2006-01-02", startDate)
	if err != nil {
		return fmt.Errorf("invalid start date %q: %w", startDate, err)
	}
	ts := pfilter.NewDatetime(base)
	end, err := ts.Parse(endDate)
	if err != nil {
		return err
	}
	var dates []float64
	for _, s := range fsDates {
		d, err := ts.Parse(s)
		if err != nil {
			return err
		}
		dates = append(dates, d)
	}

	// 3. Set up the model and the filter parameters
	model := sir.New(population)
	params := pfilter.DefaultParams(model, ts, 0, cfg.History.Particles)
	if err := cfg.Apply(params); err != nil {
		return err
	}
	params.Prior = model.Priors(params)
	params.LogLikelihood = model.LogLikelihood
	params.Logger = logger

	// 4. Load the observations
	obs, err := pfilter.LoadObservationsCSV(obsPath, ts)
	if err != nil {
		return err
	}
	logger.WithField("file", obsPath).Infof("Loaded %d observations", len(obs))

	// 5. Estimate and forecast
	summary := pfilter.NewWeightedMeans(sir.ColI)
	fs, err := pfilter.Forecast(params, 0, end, [][]pfilter.Observation{obs}, dates,
		summary, resultFile)
	if err != nil {
		return err
	}

	// 6. Print the forecasts
	if fs.Complete != nil {
		pfilter.PrintStats(os.Stdout, "complete", fs.Complete.Summary)
	}
	for _, d := range fs.Dates {
		key := ts.Format(d)
		if st, ok := fs.ByDate[key]; ok {
			pfilter.PrintStats(os.Stdout, key, st.Summary)
		}
	}

	// 7. Output the weighted means to CSV
	if csvDir == "" {
		return nil
	}
	header := []string{"date"}
	for _, info := range model.Describe() {
		header = append(header, info.Name)
	}
	for _, d := range fs.Dates {
		key := ts.Format(d)
		st, ok := fs.ByDate[key]
		if !ok || st.Summary["means"] == nil {
			continue
		}
		path := filepath.Join(csvDir, "forecast-"+ts.Time(d).Format("2006-01-02")+".csv")
		if err := writeCSV(path, st, header, ts); err != nil {
			return err
		}
		logger.Infof("Forecast written to %s", path)
	}
	return nil
}

func writeCSV(path string, st *pfilter.State, header []string, ts pfilter.TimeScale) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := pfilter.WriteTableCSV(f, st.Summary["means"], header, ts); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "Verbose output")

	forecastCmd.Flags().StringVar(&configPath, "config", "", "Configuration file (see example-config)")
	forecastCmd.Flags().StringVar(&obsPath, "obs", "", "Observations CSV file")
	forecastCmd.Flags().StringVar(&startDate, "start", "", "Start of the simulation period (YYYY-MM-DD)")
	forecastCmd.Flags().StringVar(&endDate, "end", "", "End of the simulation period (YYYY-MM-DD), exclusive")
	forecastCmd.Flags().StringSliceVar(&fsDates, "date", nil, "Forecasting date (YYYY-MM-DD); may be repeated")
	forecastCmd.Flags().StringVar(&resultFile, "output", "", "Result file, relative to the output directory")
	forecastCmd.Flags().StringVar(&csvDir, "csv-dir", "", "Directory for forecast CSV files")
	forecastCmd.Flags().Float64Var(&population, "population", 1e6, "Population size")
	for _, name := range []string{"obs", "start", "end", "date"} {
		forecastCmd.MarkFlagRequired(name)
	}

	rootCmd.AddCommand(forecastCmd, exampleConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
