package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/dvloznov/import-pipeline/internal/logger"
)

func main() {
	_ = godotenv.Load()
	log := logger.New()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "create":
		runCreate(log)
	case "status":
		runBatchGet(log, "status", "Batch status")
	case "items":
		runBatchGet(log, "items", "Batch items")
	case "activity":
		runBatchGet(log, "activity", "Batch activity")
	case "transactions":
		runBatchGet(log, "transactions", "Batch transactions")
	case "cancel":
		runBatchPost(log, "cancel", "Batch cancelled")
	case "export":
		runBatchPost(log, "export", "Batch exported to Notion")
	case "list":
		runList(log)
	case "retry":
		runRetry(log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Import Pipeline CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  importctl <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  create        Create an import batch from file URLs")
	fmt.Println("  status        Show a batch's progress summary")
	fmt.Println("  items         List a batch's per-file status")
	fmt.Println("  activity      Show a batch's activity log")
	fmt.Println("  transactions  List the transactions a batch produced")
	fmt.Println("  cancel        Cancel a pending or processing batch")
	fmt.Println("  export        Export a batch's transactions to Notion")
	fmt.Println("  list          List batches")
	fmt.Println("  retry         Re-enqueue a failed item")
	fmt.Println("  help          Show this help message")
	fmt.Println("\nRun 'importctl <command> -h' for more information on a command.")
	fmt.Println("\nThe API address comes from IMPORT_API_URL (default http://localhost:8080),")
	fmt.Println("the owner id from IMPORT_OWNER_ID.")
}

func apiURL() string {
	if u := os.Getenv("IMPORT_API_URL"); u != "" {
		return strings.TrimSuffix(u, "/")
	}
	return "http://localhost:8080"
}

func ownerID(log zerolog.Logger) string {
	owner := os.Getenv("IMPORT_OWNER_ID")
	if owner == "" {
		log.Fatal().Msg("Error: IMPORT_OWNER_ID is required")
	}
	return owner
}

func call(log zerolog.Logger, method, path string, body interface{}) []byte {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to encode request")
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, apiURL()+path, reqBody)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Owner-ID", ownerID(log))

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatal().Err(err).Msg("Request failed")
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read response")
	}
	if resp.StatusCode >= 400 {
		log.Fatal().Int("status", resp.StatusCode).Str("body", strings.TrimSpace(string(data))).Msg("API error")
	}
	return data
}

func newFlagSet(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ExitOnError)
}

func printJSON(data []byte) {
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(out.String())
}

func runCreate(log zerolog.Logger) {
	fs := newFlagSet("create")
	importType := fs.String("type", "receipts", "import type (receipts, bank_statements, invoices, mixed)")
	fs.Parse(os.Args[2:])

	urls := fs.Args()
	if len(urls) == 0 {
		log.Fatal().Msg("Usage: importctl create -type TYPE URL [URL...]")
	}

	type fileInput struct {
		FileName   string `json:"file_name"`
		FileURL    string `json:"file_url"`
		FileFormat string `json:"file_format"`
	}
	files := make([]fileInput, 0, len(urls))
	for _, u := range urls {
		name := filepath.Base(u)
		files = append(files, fileInput{
			FileName:   name,
			FileURL:    u,
			FileFormat: strings.TrimPrefix(filepath.Ext(name), "."),
		})
	}

	data := call(log, http.MethodPost, "/api/batches", map[string]interface{}{
		"import_type": *importType,
		"files":       files,
	})
	printJSON(data)
}

func runBatchGet(log zerolog.Logger, action, label string) {
	fs := newFlagSet(os.Args[1])
	batchID := fs.String("batch-id", "", "Batch ID")
	fs.Parse(os.Args[2:])

	if *batchID == "" {
		log.Fatal().Msg("Error: --batch-id is required")
	}

	path := "/api/batches/" + *batchID
	if action != "" {
		path += "/" + action
	}
	data := call(log, http.MethodGet, path, nil)
	fmt.Println("=== " + label + " ===")
	printJSON(data)
}

func runBatchPost(log zerolog.Logger, action, label string) {
	fs := newFlagSet(os.Args[1])
	batchID := fs.String("batch-id", "", "Batch ID")
	fs.Parse(os.Args[2:])

	if *batchID == "" {
		log.Fatal().Msg("Error: --batch-id is required")
	}

	data := call(log, http.MethodPost, "/api/batches/"+*batchID+"/"+action, nil)
	fmt.Println("=== " + label + " ===")
	printJSON(data)
}

func runList(log zerolog.Logger) {
	fs := newFlagSet("list")
	status := fs.String("status", "", "filter by batch status")
	cursor := fs.String("cursor", "", "resume after this batch id")
	limit := fs.Int("limit", 20, "page size")
	fs.Parse(os.Args[2:])

	path := fmt.Sprintf("/api/batches?limit=%d", *limit)
	if *status != "" {
		path += "&status=" + *status
	}
	if *cursor != "" {
		path += "&cursor=" + *cursor
	}
	data := call(log, http.MethodGet, path, nil)
	printJSON(data)
}

func runRetry(log zerolog.Logger) {
	fs := newFlagSet("retry")
	itemID := fs.String("item-id", "", "Item ID to retry")
	all := fs.Bool("all", false, "retry every failed item with retries remaining")
	fs.Parse(os.Args[2:])

	if *all {
		data := call(log, http.MethodPost, "/api/items/retry-all", nil)
		printJSON(data)
		return
	}
	if *itemID == "" {
		log.Fatal().Msg("Error: --item-id or --all is required")
	}
	data := call(log, http.MethodPost, "/api/items/"+*itemID+"/retry", nil)
	printJSON(data)
}
