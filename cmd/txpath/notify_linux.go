package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/txpath"
)

// sd_notify states, see
// https://www.freedesktop.org/software/systemd/man/sd_notify.html
const (
	sdReady    = "READY=1"
	sdStopping = "STOPPING=1"
)

// engineStatus describes the queues of e for the systemd STATUS field.
func engineStatus(e *txpath.Engine) string {
	return fmt.Sprintf("STATUS=transmitting on %d queues, %d channels, %d traffic classes",
		e.RealNumTxQueues(), e.Channels(), max(e.NumTC(), 1))
}

// notifyReady tells systemd the engine is attached to its device and accepts
// packets.
func notifyReady(l *logrus.Logger, e *txpath.Engine) {
	sdNotify(l, sdReady, engineStatus(e))
}

// notifyStopping tells systemd the engine is shutting down.
func notifyStopping(l *logrus.Logger) {
	sdNotify(l, sdStopping)
}

// sdNotify sends states to the socket named by NOTIFY_SOCKET. Failures are
// logged only, the engine runs the same without a service manager.
func sdNotify(l *logrus.Logger, states ...string) {
	sockName := os.Getenv("NOTIFY_SOCKET")
	if sockName == "" {
		l.Debugln("NOTIFY_SOCKET systemd env var not set, not sending notification")
		return
	}

	msg := strings.Join(states, "\n")
	log := l.WithField("notify", msg)

	conn, err := net.DialTimeout("unixgram", sockName, time.Second)
	if err != nil {
		log.WithError(err).Error("Failed to connect to the systemd notification socket")
		return
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		log.WithError(err).Error("Failed to set the write deadline for the systemd notification socket")
		return
	}
	if _, err := conn.Write([]byte(msg)); err != nil {
		log.WithError(err).Error("Failed to signal the systemd notification socket")
		return
	}

	log.Debug("Notified systemd")
}
