package admin

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"tg_ai_bot/internal/logging"
)

const exportCaption = "📊 Bot Statistics Export"

// exportFileName is the timestamped name of a new export file.
func (p *Panel) exportFileName() string {
	return "bot_stats_" + p.now().Format("20060102_150405") + ".txt"
}

// writeExport renders the current snapshot to ExportDir and returns the path
// and the file contents.
func (p *Panel) writeExport(ctx context.Context, req Request) (string, []byte, error) {
	snap := p.deps.Stats.Snapshot(ctx)
	content := []byte(renderDashboard(snap, p.labeler(ctx, req)) + "\n")

	if err := os.MkdirAll(p.deps.ExportDir, 0o755); err != nil {
		return "", nil, fmt.Errorf("create export dir: %w", err)
	}

	path := filepath.Join(p.deps.ExportDir, p.exportFileName())
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", nil, fmt.Errorf("write export file: %w", err)
	}

	return path, content, nil
}

// exportStats writes the export file and sends it to the admin's private chat.
func (p *Panel) exportStats(ctx context.Context, m Messenger, req Request) {
	logger := p.logger.WithFields(logging.Fields{
		"event":   "stats_export",
		"user_id": req.UserID,
	})

	path, content, err := p.writeExport(ctx, req)
	if err == nil {
		_, err = m.SendDocument(ctx, &bot.SendDocumentParams{
			ChatID: req.UserID,
			Document: &models.InputFileUpload{
				Filename: filepath.Base(path),
				Data:     bytes.NewReader(content),
			},
			Caption: p.tr(ctx, req, exportCaption),
		})
		if err != nil {
			err = fmt.Errorf("send export: %w", err)
		}
	}

	if err != nil {
		logger.WithError(err).Error("failed to export statistics")
		p.answer(ctx, m, req, p.tr(ctx, req, exportFailed), true)
		return
	}

	logger.WithField("path", path).Info("statistics exported")
	p.answer(ctx, m, req, p.tr(ctx, req, exportedText), true)
}
