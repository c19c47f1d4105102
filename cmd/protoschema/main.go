package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invopop/jsonschema"

	"tavolo/internal/net/proto"
)

func main() {
	var outPath string
	flag.StringVar(&outPath, "out", "", "path to write the JSON schema")
	flag.Parse()

	if outPath == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	schema := buildSchema()

	if err := writeSchema(outPath, schema); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write schema: %v\n", err)
		os.Exit(1)
	}
}

func buildSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}

	clientSchema := reflector.Reflect(new(proto.ClientMessage))
	clientSchema.Version = ""
	clientSchema.Title = "Client Frame"
	clientSchema.Description = "Store operation, subscription, or heartbeat sent by a session client."

	serverSchema := reflector.Reflect(new(proto.ServerMessage))
	serverSchema.Version = ""
	serverSchema.Title = "Server Frame"
	serverSchema.Description = "Acknowledgement, rejection, or change notification sent by the session server."

	return &jsonschema.Schema{
		Version:     jsonschema.Version,
		Title:       "Tavolo Wire Protocol",
		Description: "Frames exchanged between session clients and the shared-store server.",
		OneOf: []*jsonschema.Schema{
			clientSchema,
			serverSchema,
		},
	}
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}

	return nil
}
