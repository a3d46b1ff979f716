package main

import "testing"

func TestRootCommandHasServe(t *testing.T) {
	root := buildRootCmd()
	if root.Use != "arclight" {
		t.Errorf("root use = %q", root.Use)
	}

	found := false
	for _, cmd := range root.Commands() {
		if cmd.Use == "serve" {
			found = true
		}
	}
	if !found {
		t.Fatal("serve subcommand not registered")
	}
}
