package gamma

import (
	"context"
	"errors"
	"fmt"

	"github.com/jezek/xgb"
	"github.com/jezek/xgb/randr"
	"github.com/jezek/xgb/xproto"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shiftd/internal/colortemp"
)

// RandR drives per-CRTC gamma ramps through the X11 RandR extension.
type RandR struct{}

func (RandR) Name() string { return "randr" }

type crtcGamma struct {
	id    randr.Crtc
	size  uint16
	saved Ramp
}

type randrSession struct {
	conn  *xgb.Conn
	crtcs []crtcGamma
}

// Open connects to the X display named by selector ($DISPLAY when empty),
// enumerates CRTCs and saves their current ramps for Restore.
func (b RandR) Open(ctx context.Context, selector string) (Session, error) {
	conn, err := Call(ctx, func() (*xgb.Conn, error) {
		return xgb.NewConnDisplay(selector)
	})
	if err != nil {
		return nil, Unavailable(b.Name(), err)
	}

	crtcs, err := Call(ctx, func() ([]crtcGamma, error) {
		return queryCrtcs(conn)
	})
	if err != nil {
		conn.Close()
		return nil, Unavailable(b.Name(), err)
	}

	log.Info().Str("display", selector).Int("crtcs", len(crtcs)).Msg("RandR gamma session opened")
	return &randrSession{conn: conn, crtcs: crtcs}, nil
}

func queryCrtcs(conn *xgb.Conn) ([]crtcGamma, error) {
	if err := randr.Init(conn); err != nil {
		return nil, fmt.Errorf("randr extension: %w", err)
	}
	ver, err := randr.QueryVersion(conn, 1, 3).Reply()
	if err != nil {
		return nil, fmt.Errorf("randr version: %w", err)
	}
	if ver.MajorVersion < 1 || (ver.MajorVersion == 1 && ver.MinorVersion < 3) {
		return nil, fmt.Errorf("randr %d.%d too old, need 1.3", ver.MajorVersion, ver.MinorVersion)
	}

	root := xproto.Setup(conn).DefaultScreen(conn).Root
	res, err := randr.GetScreenResourcesCurrent(conn, root).Reply()
	if err != nil {
		return nil, fmt.Errorf("screen resources: %w", err)
	}
	if len(res.Crtcs) == 0 {
		return nil, errors.New("no CRTCs found")
	}

	crtcs := make([]crtcGamma, 0, len(res.Crtcs))
	for _, id := range res.Crtcs {
		size, err := randr.GetCrtcGammaSize(conn, id).Reply()
		if err != nil {
			return nil, fmt.Errorf("crtc %d gamma size: %w", id, err)
		}
		if size.Size == 0 {
			continue
		}
		cur, err := randr.GetCrtcGamma(conn, id).Reply()
		if err != nil {
			return nil, fmt.Errorf("crtc %d gamma: %w", id, err)
		}
		crtcs = append(crtcs, crtcGamma{
			id:    id,
			size:  size.Size,
			saved: Ramp{Red: cur.Red, Green: cur.Green, Blue: cur.Blue},
		})
	}
	if len(crtcs) == 0 {
		return nil, errors.New("no CRTC supports gamma")
	}
	return crtcs, nil
}

func (s *randrSession) Apply(ctx context.Context, setting colortemp.Setting) error {
	err := Do(ctx, func() error {
		for _, c := range s.crtcs {
			if err := s.set(c, BuildRamp(int(c.size), setting)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return applyFailed("randr", setting, err)
	}
	return nil
}

func (s *randrSession) Restore(ctx context.Context) error {
	return Do(ctx, func() error {
		var errs []error
		for _, c := range s.crtcs {
			errs = append(errs, s.set(c, c.saved))
		}
		return errors.Join(errs...)
	})
}

func (s *randrSession) set(c crtcGamma, r Ramp) error {
	if err := randr.SetCrtcGammaChecked(s.conn, c.id, c.size, r.Red, r.Green, r.Blue).Check(); err != nil {
		return fmt.Errorf("crtc %d: %w", c.id, err)
	}
	return nil
}

func (s *randrSession) Close() error {
	s.conn.Close()
	return nil
}
