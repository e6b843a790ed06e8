package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/goforge/forge/taskgraph"
)

// loadGraph decodes a task-graph document by its file extension (.json vs.
// anything else, which is treated as YAML) and validates it.
func loadGraph(path string) (*taskgraph.TaskGraph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task graph: %w", err)
	}
	if strings.HasSuffix(path, ".json") {
		return taskgraph.LoadJSON(data)
	}
	return taskgraph.LoadYAML(data)
}
