package router

import (
	"github.com/sirupsen/logrus"

	"github.com/joestump/runbookd/internal/config"
	"github.com/joestump/runbookd/internal/source"
	"github.com/joestump/runbookd/internal/source/filesystem"
	"github.com/joestump/runbookd/internal/source/forge"
	"github.com/joestump/runbookd/internal/source/httpsource"
	"github.com/joestump/runbookd/internal/source/wiki"
)

// Factories returns the adapter constructors for every supported source
// type.
func Factories() map[string]Factory {
	return map[string]Factory{
		source.TypeFilesystem: func(sc config.SourceConfig, log *logrus.Entry) (source.Source, error) {
			return filesystem.New(sc, log)
		},
		source.TypeWiki: func(sc config.SourceConfig, log *logrus.Entry) (source.Source, error) {
			return wiki.New(sc, log)
		},
		source.TypeForge: func(sc config.SourceConfig, log *logrus.Entry) (source.Source, error) {
			return forge.New(sc, log)
		},
		source.TypeHTTP: func(sc config.SourceConfig, log *logrus.Entry) (source.Source, error) {
			return httpsource.New(sc, log)
		},
	}
}
