package testutil

import (
	"context"
	"path/filepath"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// ConversionSuite provides an input and output directory per test.
type ConversionSuite struct {
	suite.Suite
	ctx       context.Context
	cancel    context.CancelFunc
	InputDir  string
	OutputDir string
	Logger    *zap.Logger
}

// SetupTest runs before each test in the suite
func (s *ConversionSuite) SetupTest() {
	s.ctx, s.cancel = context.WithTimeout(context.Background(), 2*time.Minute)
	root := s.T().TempDir()
	s.InputDir = filepath.Join(root, "input")
	s.OutputDir = filepath.Join(root, "output")
	s.Logger = zaptest.NewLogger(s.T())
}

// TearDownTest runs after each test in the suite
func (s *ConversionSuite) TearDownTest() {
	s.cancel()
}

// Context returns the test context
func (s *ConversionSuite) Context() context.Context {
	return s.ctx
}

// WriteInputs writes frame files named names into the input directory.
func (s *ConversionSuite) WriteInputs(names []string, eventsPerFile int) []string {
	return CreateFrameFiles(s.T(), s.InputDir, names, eventsPerFile)
}
