package internal

import "errors"

var (
	// ErrNotReady means no trained model is installed yet.
	ErrNotReady = errors.New("detector: model not ready")

	// ErrInsufficientData means the training buffer holds too few samples.
	ErrInsufficientData = errors.New("detector: insufficient training data")

	// ErrInvalidFeatureVector means a vector's width disagrees with the
	// active model's feature count.
	ErrInvalidFeatureVector = errors.New("detector: invalid feature vector")
)
