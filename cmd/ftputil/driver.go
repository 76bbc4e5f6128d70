package main

import (
	"context"
	"crypto/tls"

	"github.com/datawire/dlib/dlog"
	ftpserver "github.com/fclairamb/ftpserverlib"
	golog "github.com/fclairamb/go-log"
	"github.com/spf13/afero"
)

// aferoDriver adapts an afero.Fs into ftpserverlib's MainDriver/ClientDriver
// pair: a single anonymous user gets the whole tree rooted at fsys, the way
// the original ftp_server.py served whatever directory it was launched from.
type aferoDriver struct {
	fsys   afero.Fs
	addr   string
	logger golog.Logger
}

func newAferoDriver(fsys afero.Fs, addr string, logger golog.Logger) *aferoDriver {
	return &aferoDriver{fsys: fsys, addr: addr, logger: logger}
}

func (d *aferoDriver) GetSettings() (*ftpserver.Settings, error) {
	return &ftpserver.Settings{
		ListenAddr: d.addr,
	}, nil
}

func (d *aferoDriver) ClientConnected(cc ftpserver.ClientContext) (string, error) {
	d.logger.Info("client connected", "id", cc.ID())
	return "rudp ftputil ready", nil
}

func (d *aferoDriver) ClientDisconnected(cc ftpserver.ClientContext) {
	d.logger.Info("client disconnected", "id", cc.ID())
}

// AuthUser grants every username/password pair access to the backing
// afero.Fs: the original script had no authentication either.
func (d *aferoDriver) AuthUser(cc ftpserver.ClientContext, user, pass string) (ftpserver.ClientDriver, error) {
	d.logger.Info("client authenticated", "id", cc.ID(), "user", user)
	return d.fsys, nil
}

func (d *aferoDriver) GetTLSConfig() (*tls.Config, error) {
	return nil, nil
}

// dlogLogger adapts dlog into go-log's Logger interface so ftpserverlib's
// own logging joins the rest of the program's dlog output.
type dlogLogger struct {
	ctx  context.Context
	with []interface{}
}

func (l *dlogLogger) Debug(event string, keyvals ...interface{}) {
	dlog.Debugf(l.ctx, "%s %v", event, append(append([]interface{}{}, l.with...), keyvals...))
}
func (l *dlogLogger) Info(event string, keyvals ...interface{}) {
	dlog.Infof(l.ctx, "%s %v", event, append(append([]interface{}{}, l.with...), keyvals...))
}
func (l *dlogLogger) Warn(event string, keyvals ...interface{}) {
	dlog.Warnf(l.ctx, "%s %v", event, append(append([]interface{}{}, l.with...), keyvals...))
}
func (l *dlogLogger) Error(event string, keyvals ...interface{}) {
	dlog.Errorf(l.ctx, "%s %v", event, append(append([]interface{}{}, l.with...), keyvals...))
}
func (l *dlogLogger) Panic(event string, keyvals ...interface{}) {
	dlog.Errorf(l.ctx, "PANIC %s %v", event, append(append([]interface{}{}, l.with...), keyvals...))
}
func (l *dlogLogger) With(keyvals ...interface{}) golog.Logger {
	return &dlogLogger{ctx: l.ctx, with: append(append([]interface{}{}, l.with...), keyvals...)}
}
