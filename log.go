package relaycache

import "github.com/sirupsen/logrus"

// ServiceLog prefixes every line with "[name]" so the output of the
// ledger, the buffer and the DM reconciler can be told apart.
type ServiceLog struct {
	name string
}

// Log returns a logger for one component.
func Log(name string) *ServiceLog {
	return &ServiceLog{name: name}
}

func (l *ServiceLog) Debug(format string, args ...any) {
	logrus.Debugf("[%s] "+format, append([]any{l.name}, args...)...)
}

func (l *ServiceLog) Info(format string, args ...any) {
	logrus.Infof("[%s] "+format, append([]any{l.name}, args...)...)
}

func (l *ServiceLog) Warn(format string, args ...any) {
	logrus.Warnf("[%s] "+format, append([]any{l.name}, args...)...)
}

func (l *ServiceLog) Error(format string, args ...any) {
	logrus.Errorf("[%s] "+format, append([]any{l.name}, args...)...)
}
