package notifier

import logx "offlinewatch/pkg/logx"

func testLogger() logx.Logger { return logx.Nop() }
