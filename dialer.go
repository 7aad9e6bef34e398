package xfer

import (
	"github.com/frankli0324/go-xfer/internal/dialer"
)

type Dialer = dialer.Dialer
type CoreDialer = dialer.CoreDialer
type Target = dialer.Target
type Proxy = dialer.Proxy
