package workflows

import "errors"

var (
	// ErrInvalidRequest is returned when a job or task is invalid
	ErrInvalidRequest = errors.New("invalid workflow request")

	// ErrFetchFailed is returned when a stage task's dataset cannot be fetched
	ErrFetchFailed = errors.New("dataset fetch failed")

	// ErrInvalidArchive is returned when a dataset archive or one of its entries cannot be read
	ErrInvalidArchive = errors.New("invalid dataset archive")

	// ErrUnsupportedDataset is returned when a dataset key is neither an archive nor an image
	ErrUnsupportedDataset = errors.New("unsupported dataset")

	// ErrItemPanic is returned when an item path panicked
	ErrItemPanic = errors.New("item processing panicked")

	// ErrNothingDispatched is returned when no stage task of a batch could be published
	ErrNothingDispatched = errors.New("no stage task was dispatched")
)
