package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-playground/validator/v10"

	"medpredict/config"
	"medpredict/db"
	"medpredict/diagnosis"
	"medpredict/logging"
	"medpredict/ml"
)

const usage = `usage: diagnosis [-config config.yaml] <command> [flags]

commands:
  register  register or update a classifier
  submit    submit a diagnosis request read from a JSON file
  show      print one diagnosis
  list      list diagnoses, newest first`

func main() {
	configPath := flag.String("config", "config.yaml", "config file")
	flag.Usage = func() { fmt.Fprintln(os.Stderr, usage) }
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	defer logger.Sync()

	store, err := db.Open(cfg.Database.Path)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	cache, err := ml.NewCache(ml.CacheConfig{
		Size:    cfg.Models.CacheSize,
		Options: []ml.Option{ml.WithMinRequiredRatio(cfg.Models.MinRequiredRatio), ml.WithLogger(logger.Named("predictor"))},
		Logger:  logger.Named("cache"),
	})
	if err != nil {
		log.Fatalf("failed to create predictor cache: %v", err)
	}

	service := diagnosis.NewService(store, store, cache, nil, diagnosis.ServiceConfig{
		ModelsRoot:     cfg.Models.Root,
		PredictTimeout: cfg.Diagnosis.PredictTimeout,
		Logger:         logger,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	args := flag.Args()[1:]
	switch flag.Arg(0) {
	case "register":
		err = register(ctx, store, args)
	case "submit":
		err = submit(ctx, service, args)
	case "show":
		err = show(ctx, service, args)
	case "list":
		err = list(ctx, service, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", flag.Arg(0), err)
	}
}

func register(ctx context.Context, store *db.Store, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	c := diagnosis.Classifier{}
	fs.StringVar(&c.ID, "id", "", "classifier id")
	fs.StringVar(&c.Name, "name", "", "classifier display name")
	fs.StringVar(&c.DiseaseID, "disease_id", "", "disease id")
	fs.StringVar(&c.DiseaseName, "disease_name", "", "disease display name")
	fs.StringVar(&c.StoragePath, "storage_path", "", "disease directory under the models root")
	fs.StringVar(&c.ModelPath, "model_path", "", "classifier directory under the disease directory")
	modality := fs.String("modality", string(diagnosis.ModalityTabular), "MRI, CT, X-Ray or Tabular")
	fs.BoolVar(&c.Active, "active", true, "classifier accepts diagnoses")
	fs.BoolVar(&c.DiseaseActive, "disease_active", true, "disease accepts diagnoses")
	fs.Parse(args)

	c.Modality = diagnosis.Modality(*modality)
	if !c.Modality.Valid() {
		return fmt.Errorf("invalid modality %q", *modality)
	}
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if err := store.UpsertClassifier(ctx, &c); err != nil {
		return err
	}
	fmt.Printf("classifier %s registered\n", c.ID)
	return nil
}

func submit(ctx context.Context, service *diagnosis.Service, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	requestPath := fs.String("request", "", "JSON diagnosis request")
	wait := fs.Bool("wait", false, "process the diagnosis now instead of leaving it to the server")
	fs.Parse(args)
	if *requestPath == "" {
		return fmt.Errorf("request is required")
	}

	payload, err := os.ReadFile(*requestPath)
	if err != nil {
		return err
	}
	var req diagnosis.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	d, err := service.Submit(ctx, req)
	if err != nil {
		return err
	}
	if !*wait {
		fmt.Println(d.ID)
		return nil
	}
	if err := service.Process(ctx, d.ID); err != nil {
		return err
	}
	d, err = service.Get(ctx, d.ID)
	if err != nil {
		return err
	}
	return printJSON(d)
}

func show(ctx context.Context, service *diagnosis.Service, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("expected one diagnosis id")
	}
	d, err := service.Get(ctx, args[0])
	if err != nil {
		return err
	}
	return printJSON(d)
}

func list(ctx context.Context, service *diagnosis.Service, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	var filter diagnosis.Filter
	fs.StringVar(&filter.UserID, "user", "", "only this user's diagnoses")
	fs.StringVar(&filter.DiseaseID, "disease", "", "only this disease")
	status := fs.String("status", "", "pending, processing, completed or failed")
	fs.IntVar(&filter.Offset, "offset", 0, "records to skip")
	fs.IntVar(&filter.Limit, "limit", 100, "maximum records")
	fs.Parse(args)
	filter.Status = diagnosis.Status(*status)

	diagnoses, err := service.List(ctx, filter)
	if err != nil {
		return err
	}
	return printJSON(diagnoses)
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
