package diagnosis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"medpredict/ml"
)

const DefaultPredictTimeout = 30 * time.Second

// PredictorSource hands out ready predictors for a model directory.
// *ml.Cache satisfies it.
type PredictorSource interface {
	Get(dir, name string) (*ml.Predictor, error)
}

// Recorder receives measurements for every processed diagnosis.
type Recorder interface {
	ObservePrediction(outcome ml.Outcome, elapsed time.Duration)
	ObserveDiagnosis(status string)
}

type ServiceConfig struct {
	ModelsRoot     string
	PredictTimeout time.Duration
	Logger         *zap.Logger
	Recorder       Recorder
}

type Service struct {
	store       Store
	classifiers ClassifierLookup
	predictors  PredictorSource
	notifier    Notifier
	config      ServiceConfig
	logger      *zap.Logger
	validate    *validator.Validate
	dispatch    func(id string)
	now         func() time.Time
}

func NewService(store Store, classifiers ClassifierLookup, predictors PredictorSource, notifier Notifier, config ServiceConfig) *Service {
	if config.PredictTimeout <= 0 {
		config.PredictTimeout = DefaultPredictTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	return &Service{
		store:       store,
		classifiers: classifiers,
		predictors:  predictors,
		notifier:    notifier,
		config:      config,
		logger:      logger,
		validate:    validator.New(),
		now:         time.Now,
	}
}

// Submit validates the classifier and stores a pending diagnosis.
func (s *Service) Submit(ctx context.Context, req Request) (*Diagnosis, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid diagnosis request: %w", err)
	}
	classifier, err := s.classifiers.GetClassifier(ctx, req.ClassifierID)
	if err != nil {
		return nil, err
	}
	if !classifier.Active {
		return nil, fmt.Errorf("%w: %s", ErrClassifierInactive, classifier.Name)
	}
	if !classifier.DiseaseActive {
		return nil, fmt.Errorf("%w: disease %s is not active", ErrClassifierInactive, classifier.DiseaseName)
	}

	d := &Diagnosis{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		DiseaseID:    classifier.DiseaseID,
		ClassifierID: classifier.ID,
		Name:         req.Name,
		Age:          req.Age,
		Sex:          req.Sex,
		Modality:     classifier.Modality,
		InputData:    req.InputData,
		InputFile:    req.InputFile,
		Status:       StatusPending,
		CreatedAt:    s.now().UTC(),
	}
	if err := s.store.CreateDiagnosis(ctx, d); err != nil {
		return nil, fmt.Errorf("create diagnosis: %w", err)
	}
	s.logger.Info("diagnosis submitted",
		zap.String("id", d.ID),
		zap.String("user", d.UserID),
		zap.String("classifier", classifier.Name))

	if s.dispatch != nil {
		s.dispatch(d.ID)
	}
	return d, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Diagnosis, error) {
	return s.store.GetDiagnosis(ctx, id)
}

func (s *Service) List(ctx context.Context, filter Filter) ([]*Diagnosis, error) {
	return s.store.ListDiagnoses(ctx, filter)
}

// Process claims a pending diagnosis and drives it to completed or failed.
// It returns ErrNotPending if the record was already claimed.
func (s *Service) Process(ctx context.Context, id string) (err error) {
	d, err := s.store.ClaimDiagnosis(ctx, id, s.now().UTC())
	if err != nil {
		return err
	}
	s.logger.Info("diagnosis processing started", zap.String("id", id))

	var classifier *Classifier
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("diagnosis processing panicked", zap.String("id", id), zap.Any("panic", r))
			err = s.finish(ctx, d, classifier, s.failed(fmt.Sprintf("processing panicked: %v", r)))
		}
	}()

	classifier, err = s.classifiers.GetClassifier(ctx, d.ClassifierID)
	if err != nil {
		return s.finish(ctx, d, nil, s.failed(err.Error()))
	}
	return s.finish(ctx, d, classifier, s.run(ctx, d, classifier))
}

func (s *Service) run(ctx context.Context, d *Diagnosis, classifier *Classifier) Completion {
	start := time.Now()
	if d.Modality != ModalityTabular {
		return s.failed(fmt.Sprintf("%s predictions not yet supported", d.Modality))
	}

	outcome, err := s.predictTabular(ctx, classifier, d.InputData)
	elapsed := time.Since(start)
	if err != nil {
		s.logger.Error("tabular prediction error", zap.String("id", d.ID), zap.Error(err))
		outcome = ml.Outcome{
			ModelName:          classifier.Name,
			PredictionLabel:    ml.UnknownLabel,
			ClassProbabilities: map[string]float64{},
			Error:              err.Error(),
			ErrorKind:          ml.KindInference,
		}
	}
	if s.config.Recorder != nil {
		s.config.Recorder.ObservePrediction(outcome, elapsed)
	}

	confidence := outcome.Confidence
	completion := Completion{
		Status:         StatusCompleted,
		Prediction:     outcome.PredictionLabel,
		Confidence:     &confidence,
		Probabilities:  outcome.ClassProbabilities,
		ProcessingTime: elapsed,
		CompletedAt:    s.now().UTC(),
	}
	if outcome.Failed() {
		completion.Status = StatusFailed
		completion.ErrorMessage = outcome.Error
	}
	return completion
}

func (s *Service) predictTabular(ctx context.Context, classifier *Classifier, input map[string]interface{}) (ml.Outcome, error) {
	dir, err := ml.ResolveModelDir(s.config.ModelsRoot, classifier.StoragePath, classifier.ModelPath)
	if err != nil {
		return ml.Outcome{}, err
	}
	predictor, err := s.predictors.Get(dir, classifier.Name)
	if err != nil {
		return ml.Outcome{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.PredictTimeout)
	defer cancel()

	done := make(chan ml.Outcome, 1)
	go func() {
		done <- predictor.Predict(input)
	}()

	select {
	case outcome := <-done:
		return outcome, nil
	case <-ctx.Done():
		return ml.Outcome{}, fmt.Errorf("%w after %s", ErrPredictTimeout, s.config.PredictTimeout)
	}
}

func (s *Service) failed(message string) Completion {
	return Completion{
		Status:       StatusFailed,
		ErrorMessage: message,
		CompletedAt:  s.now().UTC(),
	}
}

func (s *Service) finish(ctx context.Context, d *Diagnosis, classifier *Classifier, c Completion) error {
	if err := s.store.CompleteDiagnosis(ctx, d.ID, c); err != nil {
		if errors.Is(err, ErrNotPending) {
			s.logger.Warn("diagnosis already terminal, result dropped",
				zap.String("id", d.ID), zap.String("status", string(c.Status)))
		}
		return fmt.Errorf("complete diagnosis %s: %w", d.ID, err)
	}
	applyCompletion(d, c)
	if s.config.Recorder != nil {
		s.config.Recorder.ObserveDiagnosis(string(c.Status))
	}

	var notifyErr error
	if c.Status == StatusCompleted {
		s.logger.Info("diagnosis completed",
			zap.String("id", d.ID),
			zap.String("prediction", d.Prediction),
			zap.Duration("elapsed", c.ProcessingTime))
		notifyErr = s.notifier.DiagnosisCompleted(ctx, d, classifier)
	} else {
		s.logger.Warn("diagnosis failed", zap.String("id", d.ID), zap.String("error", c.ErrorMessage))
		notifyErr = s.notifier.DiagnosisFailed(ctx, d, classifier)
	}
	if notifyErr != nil {
		s.logger.Error("diagnosis notification failed", zap.String("id", d.ID), zap.Error(notifyErr))
	}
	return nil
}

// RecoverStale fails diagnoses left in processing for longer than olderThan,
// typically by a crash before the terminal write.
func (s *Service) RecoverStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	ids, err := s.store.FailStaleProcessing(ctx, s.now().UTC().Add(-olderThan), "processing interrupted")
	if err != nil {
		return nil, fmt.Errorf("recover stale diagnoses: %w", err)
	}
	for _, id := range ids {
		s.logger.Warn("stale diagnosis marked failed", zap.String("id", id))
		if s.config.Recorder != nil {
			s.config.Recorder.ObserveDiagnosis(string(StatusFailed))
		}
		d, err := s.store.GetDiagnosis(ctx, id)
		if err != nil {
			continue
		}
		classifier, err := s.classifiers.GetClassifier(ctx, d.ClassifierID)
		if err != nil && !errors.Is(err, ErrClassifierNotFound) {
			continue
		}
		if err := s.notifier.DiagnosisFailed(ctx, d, classifier); err != nil {
			s.logger.Error("diagnosis notification failed", zap.String("id", id), zap.Error(err))
		}
	}
	return ids, nil
}

func applyCompletion(d *Diagnosis, c Completion) {
	d.Status = c.Status
	d.Prediction = c.Prediction
	d.Confidence = c.Confidence
	d.Probabilities = c.Probabilities
	d.ErrorMessage = c.ErrorMessage
	seconds := c.ProcessingTime.Seconds()
	d.ProcessingTime = &seconds
	completedAt := c.CompletedAt
	d.CompletedAt = &completedAt
}
