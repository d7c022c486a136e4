// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package testrand implements random data generation for tests.
package testrand

import (
	"math/rand"

	"github.com/google/uuid"
)

// Intn returns, as an int, a non-negative pseudo-random number in [0,n).
// It panics if n <= 0.
func Intn(n int) int {
	return rand.Intn(n)
}

// Read reads pseudo-random data into data.
func Read(data []byte) {
	const newSourceThreshold = 64
	if len(data) < newSourceThreshold {
		_, _ = rand.Read(data)
		return
	}

	src := rand.NewSource(rand.Int63())
	r := rand.New(src)
	_, _ = r.Read(data)
}

// BytesN generates size amount of random data.
func BytesN(size int) []byte {
	data := make([]byte, size)
	Read(data)
	return data
}

const lowerAlnum = "abcdefghijklmnopqrstuvwxyz0123456789"

// Name generates a random lowercase identifier of length n starting
// with a letter, usable as a bucket or table name.
func Name(n int) string {
	if n <= 0 {
		n = 8
	}
	out := make([]byte, n)
	out[0] = lowerAlnum[rand.Intn(26)]
	for i := 1; i < n; i++ {
		out[i] = lowerAlnum[rand.Intn(len(lowerAlnum))]
	}
	return string(out)
}

// BucketName generates a random bucket name.
func BucketName() string {
	return "in_c_" + Name(8)
}

// TableName generates a random table name.
func TableName() string {
	return "t_" + Name(8)
}

// UUID creates a random uuid.
func UUID() uuid.UUID {
	id, err := uuid.NewRandom()
	if err != nil {
		panic(err)
	}
	return id
}
