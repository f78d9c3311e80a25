// Copyright 2020 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package main

import "testing"

func TestStringifyLocal(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
	}{
		{in: "done", want: "done"},
		{in: true, want: "true"},
		{in: 3, want: "3"},
		{in: nil, want: ""},
	}
	for _, c := range cases {
		if got := stringifyLocal(c.in); got != c.want {
			t.Errorf("stringifyLocal(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}
