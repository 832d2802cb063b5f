package portalworker

import (
	"context"
	"fmt"
	"net/http"

	cachekey "github.com/always-cache/portal-worker/pkg/cache-key"
	serializer "github.com/always-cache/portal-worker/pkg/response-serializer"
	"golang.org/x/sync/errgroup"
)

// maximum number of static assets fetched at the same time during install
const installConcurrency = 8

// StatusError is returned when a static asset responds with a non-success status.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s responded with status %d", e.URL, e.StatusCode)
}

// Install primes the static cache generation with every static asset.
// Either all assets are stored or none are: a single failed fetch fails the install.
// A failed install leaves the worker parsed, so it can be installed again later.
// On success the worker skips waiting and is ready for activation.
func (w *Worker) Install(ctx context.Context) error {
	if err := w.transition(StateInstalling, StateParsed); err != nil {
		return err
	}
	w.log.Info().Msg("Worker installing")

	if err := w.precache(ctx); err != nil {
		w.log.Error().Err(err).Msg("Failed to cache static assets")
		w.setState(StateParsed)
		return fmt.Errorf("install %s: %w", w.staticName, err)
	}

	w.log.Info().Int("assets", len(w.staticAssets)).Msg("Static assets cached successfully")
	w.setState(StateInstalled)
	return nil
}

func (w *Worker) precache(ctx context.Context) error {
	if err := w.cache.Open(w.staticName); err != nil {
		return err
	}
	w.log.Debug().Str("generation", w.staticName).Msg("Caching static assets")

	keys := make([]string, len(w.staticAssets))
	snapshots := make([][]byte, len(w.staticAssets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installConcurrency)
	for i, asset := range w.staticAssets {
		i, asset := i, asset
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, asset.String(), nil)
			if err != nil {
				return err
			}
			res, err := w.client.Do(req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", asset, err)
			}
			defer res.Body.Close()
			if res.StatusCode < 200 || res.StatusCode > 299 {
				return &StatusError{URL: asset.String(), StatusCode: res.StatusCode}
			}
			stored, err := serializer.Duplicate(res)
			if err != nil {
				return fmt.Errorf("read %s: %w", asset, err)
			}
			keys[i] = cachekey.Key(req)
			snapshots[i] = stored
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i := range keys {
		if err := w.cache.Put(w.staticName, keys[i], snapshots[i]); err != nil {
			return fmt.Errorf("store %s: %w", keys[i], err)
		}
	}
	return nil
}

// Activate deletes every cache generation that does not belong to this worker
// and then claims all open clients.
// Deletions are independent: a failed one is logged and the others go on.
func (w *Worker) Activate(ctx context.Context) error {
	if err := w.transition(StateActivating, StateInstalled); err != nil {
		if w.State() == StateParsed {
			return ErrNotInstalled
		}
		return err
	}
	w.log.Info().Msg("Worker activating")

	names, err := w.cache.Names()
	if err != nil {
		w.setState(StateInstalled)
		return fmt.Errorf("list cache generations: %w", err)
	}
	var g errgroup.Group
	for _, name := range names {
		if name == w.staticName || name == w.dynamicName {
			continue
		}
		name := name
		g.Go(func() error {
			w.log.Info().Str("generation", name).Msg("Deleting old cache")
			if _, err := w.cache.Delete(name); err != nil {
				w.log.Warn().Err(err).Str("generation", name).Msg("Could not delete old cache")
			}
			return nil
		})
	}
	g.Wait()

	// reaping is done, so claimed clients never see stale generations
	if err := w.host.Claim(ctx, w.id); err != nil {
		w.setState(StateInstalled)
		return fmt.Errorf("claim clients: %w", err)
	}
	w.setState(StateActivated)
	w.log.Info().Msg("Worker activated")
	return nil
}
