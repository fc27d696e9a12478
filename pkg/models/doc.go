// Package models defines the values that flow through the converter: input
// files and batches on the planning side, frames and records on the data side.
//
// Record field values are restricted to a small canonical set so that every
// backend can map them to a column type without reflection:
//
//	scalars: int64, float64, bool, string, nil
//	series:  []int64, []float64, []bool, []string
//
// NormalizeValue converts decoded JSON or Avro values into that set.
package models
