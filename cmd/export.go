package main

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/docdex/internal/model"
	"github.com/sells-group/docdex/internal/store"
)

var (
	exportOut           string
	exportType          string
	exportVerifiedOnly  bool
	exportMinConfidence float64
	exportLimit         int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export knowledge atoms to a spreadsheet",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("admin"); err != nil {
			return err
		}
		if exportType != "" && !model.ValidDocumentType(model.DocumentType(exportType)) {
			return eris.Errorf("unknown document type %q", exportType)
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		atoms, err := st.ListAtoms(ctx, store.AtomFilter{
			DocumentType:  model.DocumentType(exportType),
			MinConfidence: exportMinConfidence,
			VerifiedOnly:  exportVerifiedOnly,
			Limit:         exportLimit,
		})
		if err != nil {
			return err
		}

		switch ext := strings.ToLower(filepath.Ext(exportOut)); ext {
		case ".xlsx":
			err = writeAtomsXLSX(atoms, exportOut)
		case ".csv":
			err = writeAtomsCSV(atoms, exportOut)
		default:
			return eris.Errorf("unsupported export format %q, use .xlsx or .csv", ext)
		}
		if err != nil {
			return err
		}

		zap.L().Info("export complete", zap.Int("atoms", len(atoms)), zap.String("out", exportOut))
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output file (.xlsx or .csv)")
	exportCmd.Flags().StringVar(&exportType, "type", "", "only atoms of this document type")
	exportCmd.Flags().BoolVar(&exportVerifiedOnly, "verified-only", false, "only human-verified atoms")
	exportCmd.Flags().Float64Var(&exportMinConfidence, "min-confidence", 0, "only atoms at or above this confidence")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "cap the number of exported atoms (0 means no cap)")
	_ = exportCmd.MarkFlagRequired("out")
	rootCmd.AddCommand(exportCmd)
}

var exportColumns = []string{
	"entity_key", "document_type", "title", "source_url", "confidence",
	"human_verified", "usage_count", "last_used_at", "source_type", "created_at",
}

func atomRecord(a *model.KnowledgeAtom) []string {
	lastUsed := ""
	if a.LastUsedAt != nil {
		lastUsed = a.LastUsedAt.UTC().Format(time.RFC3339)
	}
	return []string{
		a.EntityKey,
		string(a.DocumentType),
		a.Title,
		a.SourceURL,
		strconv.FormatFloat(a.Confidence, 'f', 2, 64),
		strconv.FormatBool(a.HumanVerified),
		strconv.FormatInt(a.UsageCount, 10),
		lastUsed,
		string(a.SourceType),
		a.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func writeAtomsXLSX(atoms []model.KnowledgeAtom, path string) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Atoms")
	if err != nil {
		return eris.Wrap(err, "add sheet")
	}

	header := sheet.AddRow()
	for _, col := range exportColumns {
		header.AddCell().Value = col
	}
	for i := range atoms {
		row := sheet.AddRow()
		for _, v := range atomRecord(&atoms[i]) {
			row.AddCell().Value = v
		}
	}
	return eris.Wrap(f.Save(path), "save xlsx")
}

func writeAtomsCSV(atoms []model.KnowledgeAtom, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "create file")
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(exportColumns); err != nil {
		return eris.Wrap(err, "write header")
	}
	for i := range atoms {
		if err := w.Write(atomRecord(&atoms[i])); err != nil {
			return eris.Wrap(err, "write row")
		}
	}
	w.Flush()
	return eris.Wrap(w.Error(), "flush csv")
}
