package source

import (
	"context"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/ajitpratap0/frameconv/pkg/errors"
	"github.com/ajitpratap0/frameconv/pkg/models"
)

type fileReader struct {
	path    string
	file    *os.File
	rc      io.ReadCloser
	dec     Decoder
	mixer   *Mixer
	verbose int
	logger  *zap.Logger

	raw     int // frames decoded
	physics int // physics frames returned
	done    bool
}

func (r *fileReader) Next(ctx context.Context) (*models.Frame, error) {
	if r.done {
		return nil, io.EOF
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		raw, err := r.dec.Decode()
		if err == io.EOF {
			r.done = true
			if r.verbose > 0 {
				r.logger.Debug("finished reading input file",
					zap.Int("frames", r.raw),
					zap.Int("physics_frames", r.physics))
			}
			return nil, io.EOF
		}
		if err != nil {
			r.done = true
			return nil, errors.Wrap(err, errors.ErrorTypeSourceFormat, "malformed frame").
				WithDetail("path", r.path).
				WithDetail("frame", r.raw)
		}

		objects, err := normalizeObjects(raw.Objects)
		if err != nil {
			r.done = true
			return nil, errors.Wrap(err, errors.ErrorTypeSourceFormat, "malformed frame object").
				WithDetail("path", r.path).
				WithDetail("frame", r.raw)
		}
		r.raw++

		stop := raw.Stop
		if stop == "" {
			stop = StopPhysics
		}
		objs, physics := r.mixer.Add(stop, objects)
		if !physics {
			if r.verbose > 1 {
				r.logger.Debug("skipping non-physics frame", zap.String("stop", stop), zap.Int("frame", r.raw-1))
			}
			continue
		}

		frame := &models.Frame{File: r.path, Index: r.physics, Stop: stop, Objects: objs}
		r.physics++
		return frame, nil
	}
}

func (r *fileReader) Close() error {
	rcErr := r.rc.Close()
	fErr := r.file.Close()
	if rcErr != nil {
		return rcErr
	}
	return fErr
}

func normalizeObjects(in map[string]interface{}) (map[string]interface{}, error) {
	if in == nil {
		return map[string]interface{}{}, nil
	}
	n, err := models.NormalizeValue(in)
	if err != nil {
		return nil, err
	}
	return n.(map[string]interface{}), nil
}
