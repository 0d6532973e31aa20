package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"medpredict/logging"
	"medpredict/ml"
)

func main() {
	modelDir := flag.String("model_dir", "", "model artifact directory")
	name := flag.String("name", "", "model display name (defaults to the directory name)")
	inputPath := flag.String("input", "-", "JSON object of feature values, - for stdin")
	minRatio := flag.Float64("min_ratio", ml.DefaultMinRequiredRatio, "share of features that must be supplied")
	verify := flag.Bool("verify", false, "check artifact consistency and exit")
	explain := flag.Bool("explain", false, "report missing, skipped and unknown fields on stderr")
	logLevel := flag.String("log_level", "warn", "log level")
	flag.Parse()

	if *modelDir == "" {
		log.Fatal("model_dir is required")
	}

	logger, err := logging.New(logging.Config{Level: *logLevel, Format: "console"})
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	displayName := *name
	if displayName == "" {
		displayName = *modelDir
	}
	predictor, err := ml.LoadPredictor(*modelDir, displayName, ml.WithMinRequiredRatio(*minRatio), ml.WithLogger(logger))
	if err != nil {
		log.Fatalf("failed to load model: %v", err)
	}

	if *verify {
		if err := predictor.Artifacts().Verify(); err != nil {
			log.Fatalf("artifacts are inconsistent: %v", err)
		}
		fmt.Printf("%s: %d features, %d classes, ok\n", *modelDir, len(predictor.Features()), len(predictor.Artifacts().Classes))
		return
	}

	input, err := readInput(*inputPath)
	if err != nil {
		log.Fatalf("failed to read input: %v", err)
	}

	if *explain {
		prepared := predictor.Prepare(input)
		fmt.Fprintf(os.Stderr, "supplied: %v\nmissing: %v\nskipped: %v\nunknown: %v\n",
			prepared.Supplied, prepared.Missing, prepared.Skipped, prepared.Unknown)
	}

	outcome := predictor.Predict(input)
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(outcome); err != nil {
		log.Fatalf("failed to write outcome: %v", err)
	}
	if outcome.Failed() {
		os.Exit(2)
	}
}

func readInput(path string) (map[string]interface{}, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		r = file
	}
	decoder := json.NewDecoder(r)
	decoder.UseNumber()
	var input map[string]interface{}
	if err := decoder.Decode(&input); err != nil {
		return nil, err
	}
	return input, nil
}
