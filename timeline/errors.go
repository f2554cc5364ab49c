package timeline

import "errors"

// ErrConversionOverflow is returned when a dloga/tick conversion would fall
// outside the representable tick range. Callers treat this as fatal.
var ErrConversionOverflow = errors.New("timeline: conversion overflow")
