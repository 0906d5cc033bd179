package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"

	"github.com/hostpanel/hostpanel/pkg/engine"
)

// maxMarkerSize bounds how much of a marker record is read.
const maxMarkerSize = 64 << 10

// sftpClient opens an SFTP session over the connection.
func (c *Client) sftpClient() (*sftp.Client, error) {
	client, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

// ListMarkers implements engine.MarkerStore over SFTP.
func (c *Client) ListMarkers(ctx context.Context, dir string) ([]engine.MarkerFile, error) {
	fsc, err := c.sftpClient()
	if err != nil {
		return nil, err
	}
	defer fsc.Close()

	infos, err := fsc.ReadDir(dir)
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, &TransportError{Op: "sftp-readdir", Err: err}
	}

	markers, err := engine.CollectMarkers(dir, infos, func(p string) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		f, err := fsc.Open(p)
		if err != nil {
			return "", err
		}
		defer f.Close()
		data, err := io.ReadAll(io.LimitReader(f, maxMarkerSize))
		return string(data), err
	})
	if err != nil {
		return nil, &TransportError{Op: "sftp-read", Err: err}
	}

	log.Debug().Str("host", c.config.Host).Str("dir", dir).Int("markers", len(markers)).Msg("listed markers")
	return markers, nil
}

// ClearMarker implements engine.MarkerStore over SFTP. It removes the
// record and a stale lock directory.
func (c *Client) ClearMarker(ctx context.Context, dir, service string) error {
	fsc, err := c.sftpClient()
	if err != nil {
		return err
	}
	defer fsc.Close()

	p := path.Join(dir, engine.MarkerPrefix+service)
	if err := fsc.Remove(p); err != nil && !isNotExist(err) {
		return &TransportError{Op: "sftp-remove", Err: err}
	}
	if err := fsc.RemoveDirectory(p + ".lock"); err != nil && !isNotExist(err) {
		return &TransportError{Op: "sftp-remove", Err: err}
	}

	log.Info().Str("host", c.config.Host).Str("marker", p).Msg("cleared marker")
	return nil
}

func isNotExist(err error) bool {
	var status *sftp.StatusError
	if errors.As(err, &status) && status.FxCode() == sftp.ErrSSHFxNoSuchFile {
		return true
	}
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, os.ErrNotExist)
}
