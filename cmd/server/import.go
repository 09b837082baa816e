package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"gwi.com/contract-assistant/internal/core"
)

var (
	importCompany string
	importID      string
	importTitle   string
)

var importCmd = &cobra.Command{
	Use:   "import FILE...",
	Short: "Import contract files and index them",
	Long: `Import HTML or plain-text contract files for a company. The contract id
defaults to the file name without its extension and the title to the id.
Importing an existing id replaces its text and regenerates its embeddings.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringVar(&importCompany, "company", "", "company that owns the contracts")
	importCmd.Flags().StringVar(&importID, "id", "", "contract id (single file only)")
	importCmd.Flags().StringVar(&importTitle, "title", "", "contract title (single file only)")
	_ = importCmd.MarkFlagRequired("company")
}

func runImport(cmd *cobra.Command, args []string) error {
	if len(args) > 1 && (importID != "" || importTitle != "") {
		return errors.New("--id and --title need exactly one file")
	}
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	queue := a.newQueue(len(args))
	contracts := a.newContractService(queue)
	user := core.UserContext{UserID: "cli", CompanyID: importCompany}

	var imported []string
	var failed []error
	for _, path := range args {
		content, err := os.ReadFile(path)
		if err != nil {
			failed = append(failed, err)
			continue
		}
		id := importID
		if id == "" {
			id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		}
		title := importTitle
		if title == "" {
			title = id
		}
		if _, err := contracts.Import(ctx, user, core.ContractInput{ID: id, Title: title, Content: string(content)}); err != nil {
			a.logger.Error("import failed", zap.String("file", path), zap.Error(err))
			failed = append(failed, fmt.Errorf("%s: %w", path, err))
			continue
		}
		imported = append(imported, id)
	}

	// Closing drains the queued regenerations before reporting.
	if err := queue.Close(ctx); err != nil {
		return err
	}
	for _, id := range imported {
		status, ok := queue.Status(id)
		switch {
		case !ok:
			fmt.Fprintf(cmd.OutOrStdout(), "%s: imported, not indexed\n", id)
		case status.State == core.TaskFailed:
			failed = append(failed, fmt.Errorf("%s: indexing failed: %s", id, status.Error))
		default:
			fmt.Fprintf(cmd.OutOrStdout(), "%s: imported, %d chunks\n", id, status.Result.ChunkCount)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%d of %d files failed: %w", len(failed), len(args), errors.Join(failed...))
	}
	return nil
}
