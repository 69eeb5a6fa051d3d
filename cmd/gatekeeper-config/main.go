package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/oarkflow/gatekeeper"
	"github.com/oarkflow/gatekeeper/stores"
	"github.com/oarkflow/squealx"
	"gopkg.in/yaml.v3"
	_ "modernc.org/sqlite"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "validate":
		handleValidate()
	case "compile":
		handleCompile()
	case "convert":
		handleConvert()
	case "stats":
		handleStats()
	case "apply":
		handleApply()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("gatekeeper-config - manifest and rule tooling")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  gatekeeper-config validate <manifest>         - Validate a realm manifest (incl. rule conditions)")
	fmt.Println("  gatekeeper-config compile <condition.json>    - Compile a condition tree and print the SQL fragment")
	fmt.Println("  gatekeeper-config convert <input> <output>    - Convert a manifest between YAML and JSON")
	fmt.Println("  gatekeeper-config stats <manifest>            - Show manifest statistics")
	fmt.Println("  gatekeeper-config apply <manifest> <db-file>  - Apply a manifest to a sqlite-backed store")
	fmt.Println()
	fmt.Println("Supported manifest formats: .yaml, .yml, .json")
}

func loadManifest(path string) (*gatekeeper.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := &gatekeeper.Manifest{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, m); err != nil {
			return nil, err
		}
	case ".json":
		if err := json.Unmarshal(data, m); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported format %q", filepath.Ext(path))
	}
	return m, nil
}

func saveManifest(m *gatekeeper.Manifest, path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(m)
	case ".json":
		data, err = json.MarshalIndent(m, "", "  ")
	default:
		return fmt.Errorf("unsupported format %q", filepath.Ext(path))
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: gatekeeper-config validate <manifest>")
		os.Exit(1)
	}
	m, err := loadManifest(os.Args[2])
	if err != nil {
		fmt.Printf("Invalid manifest: %v\n", err)
		os.Exit(1)
	}
	if m.Realm == "" {
		fmt.Println("Manifest missing realm name")
		os.Exit(1)
	}
	bad := 0
	for i, rule := range m.Rules {
		if rule.RoleName == "" && rule.PrincipalName == "" {
			fmt.Printf("rule[%d] (%s, %s): missing subject\n", i, rule.ResourceTypeName, rule.ActionName)
			bad++
			continue
		}
		if _, err := gatekeeper.Compile(rule.Conditions); err != nil {
			fmt.Printf("rule[%d] (%s, %s): %v\n", i, rule.ResourceTypeName, rule.ActionName, err)
			bad++
		}
	}
	if bad > 0 {
		fmt.Printf("%d invalid rule(s)\n", bad)
		os.Exit(1)
	}
	fmt.Printf("Manifest %s is valid (%d rules)\n", os.Args[2], len(m.Rules))
}

func handleCompile() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: gatekeeper-config compile <condition.json>")
		os.Exit(1)
	}
	data, err := os.ReadFile(os.Args[2])
	if err != nil {
		fmt.Printf("Error reading condition: %v\n", err)
		os.Exit(1)
	}
	cond, err := gatekeeper.ParseCondition(data)
	if err != nil {
		fmt.Printf("Parse error: %v\n", err)
		os.Exit(1)
	}
	frag, err := gatekeeper.Compile(cond)
	if err != nil {
		fmt.Printf("Compile error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(frag.SQL)
	for i, p := range frag.Params {
		fmt.Printf("  $%d [%s] = %v\n", i+1, p.Kind, p.Value)
	}
	if cond != nil {
		fmt.Printf("hash: %s\n", cond.Hash())
	}
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: gatekeeper-config convert <input> <output>")
		os.Exit(1)
	}
	m, err := loadManifest(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading manifest: %v\n", err)
		os.Exit(1)
	}
	if err := saveManifest(m, os.Args[3]); err != nil {
		fmt.Printf("Error saving manifest: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Converted %s -> %s\n", os.Args[2], os.Args[3])
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: gatekeeper-config stats <manifest>")
		os.Exit(1)
	}
	m, err := loadManifest(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading manifest: %v\n", err)
		os.Exit(1)
	}
	conditional := 0
	withContext := 0
	for _, rule := range m.Rules {
		if rule.Conditions != nil {
			conditional++
			if rule.Conditions.HasContextRefs() {
				withContext++
			}
		}
	}
	fmt.Printf("Realm:          %s\n", m.Realm)
	fmt.Printf("Actions:        %d\n", len(m.Actions))
	fmt.Printf("Resource types: %d\n", len(m.ResourceTypes))
	fmt.Printf("Roles:          %d\n", len(m.Roles))
	fmt.Printf("Rules:          %d (%d conditional, %d with context refs)\n",
		len(m.Rules), conditional, withContext)
}

func handleApply() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: gatekeeper-config apply <manifest> <db-file>")
		os.Exit(1)
	}
	m, err := loadManifest(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading manifest: %v\n", err)
		os.Exit(1)
	}
	sqlDB, err := sql.Open("sqlite", os.Args[3])
	if err != nil {
		fmt.Printf("Error opening database: %v\n", err)
		os.Exit(1)
	}
	defer sqlDB.Close()
	db := squealx.NewDb(sqlDB, "sqlite", "gatekeeper")
	if err := stores.Migrate(db); err != nil {
		fmt.Printf("Migration error: %v\n", err)
		os.Exit(1)
	}
	engine, err := gatekeeper.NewEngine(
		stores.NewSQLEntityStore(db),
		stores.NewSQLRuleStore(db),
		stores.NewSQLResourceStore(db),
		stores.NewSQLAuditStore(db),
		gatekeeper.EngineConfig{},
	)
	if err != nil {
		fmt.Printf("Engine error: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()
	if err := engine.ApplyManifest(context.Background(), m); err != nil {
		fmt.Printf("Apply error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Applied manifest for realm %q (%d rules)\n", m.Realm, len(m.Rules))
}
