package markduplicates

/**
* MIT License
*
* Copyright (c) 2017 Broad Institute
*
* Permission is hereby granted, free of charge, to any person obtaining a copy
* of this software and associated documentation files (the "Software"), to deal
* in the Software without restriction, including without limitation the rights
* to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
* copies of the Software, and to permit persons to whom the Software is
* furnished to do so, subject to the following conditions:
*
* The above copyright notice and this permission notice shall be included in all
* copies or substantial portions of the Software.
*
* THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
* IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
* FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
* AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
* LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
* OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
* SOFTWARE.
 */

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

// estimateLibrarySize estimates the number of distinct molecules in a
// library from the number of read pairs and the number of distinct
// pairs among them, by solving the Lander-Waterman equation
//
//   C/X = 1 - exp(-N/X)
//
// for X, where N is readPairs and C is uniqueReadPairs, by bisection.
// It returns an error if there are no duplicates.
func estimateLibrarySize(readPairs, uniqueReadPairs uint64) (uint64, error) {
	if readPairs == 0 || uniqueReadPairs >= readPairs {
		return 0, errors.E("no duplicates")
	}
	n := float64(readPairs)
	c := float64(uniqueReadPairs)
	f := func(x float64) float64 {
		return c/x + math.Expm1(-n/x)
	}

	lo, hi := 1.0, 100.0
	if f(lo*c) < 0 {
		return 0, errors.E(fmt.Sprintf("invalid values for pairs and unique pairs: %v, %v", n, c))
	}
	// If c and n are large and almost equal, hi can reach +Inf before f
	// becomes negative.
	for f(hi*c) >= 0 {
		hi *= 10
		if math.IsInf(hi, 1) {
			return 0, errors.E(fmt.Sprintf("could not bracket the library size of (%v, %v)",
				readPairs, uniqueReadPairs))
		}
	}
	for i := 0; i < 40; i++ {
		mid := (lo + hi) / 2
		switch u := f(mid * c); {
		case u == 0:
			return uint64(c * mid), nil
		case u > 0:
			lo = mid
		default:
			hi = mid
		}
	}
	return uint64(c * (lo + hi) / 2), nil
}
