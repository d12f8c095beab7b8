package bambu

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jlaffaye/ftp"

	"github.com/openfab/printfleet/internal/adapter"
	"github.com/openfab/printfleet/internal/printer"
)

// ftpsDial opens an implicit-TLS FTPS session on the printer's data plane.
// It deliberately reuses a.tlsCfg: the firmware only accepts FTPS sessions
// that resume the TLS session established by the MQTT control plane, so both
// planes must share one ClientSessionCache.
func (a *Adapter) ftpsDial(ctx context.Context) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(
		fmt.Sprintf("%s:990", a.opts.Host),
		ftp.DialWithContext(ctx),
		ftp.DialWithTimeout(a.opts.Timeout),
		ftp.DialWithTLS(a.tlsCfg),
	)
	if err != nil {
		return nil, adapter.ConnectError("bambu.ftps", err,
			"verify port 990 is reachable",
			"connect over MQTT first so a TLS session exists to resume")
	}
	if err := conn.Login("bblp", a.opts.AccessCode); err != nil {
		conn.Quit()
		return nil, printer.WrapError(printer.KindFatal, "bambu.ftps", "login rejected", err)
	}
	return conn, nil
}

// UploadFile transfers a local file to the printer's SD card root.
func (a *Adapter) UploadFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return printer.WrapError(printer.KindFatal, "bambu.upload", "open file", err)
	}
	defer f.Close()

	conn, err := a.ftpsDial(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()

	name := filepath.Base(path)
	if err := conn.Stor(name, f); err != nil {
		return printer.WrapError(printer.KindTransient, "bambu.upload", "transfer failed", err)
	}
	a.logger.Info("file uploaded", "file", name)
	return nil
}

// ListFiles returns the printable files on the SD card root, sorted.
func (a *Adapter) ListFiles(ctx context.Context) ([]string, error) {
	conn, err := a.ftpsDial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Quit()

	entries, err := conn.List("/")
	if err != nil {
		return nil, printer.WrapError(printer.KindTransient, "bambu.list", "list failed", err)
	}
	var names []string
	for _, e := range entries {
		if e.Type != ftp.EntryTypeFile {
			continue
		}
		if ext := strings.ToLower(filepath.Ext(e.Name)); a.caps.SupportsExtension(ext) {
			names = append(names, e.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// DeleteFile removes a file from the SD card.
func (a *Adapter) DeleteFile(ctx context.Context, path string) error {
	conn, err := a.ftpsDial(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()

	if err := conn.Delete(path); err != nil {
		return printer.WrapError(printer.KindTransient, "bambu.delete", "delete failed", err)
	}
	return nil
}
