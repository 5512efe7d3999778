package blueberry

import (
	"os"

	"github.com/getlantern/systray"

	"github.com/blueberryd/blueberryd/pkg/blueberry/icon"
	"github.com/blueberryd/blueberryd/pkg/blueberry/util"
)

func (b *Blueberry) initializeTray(onDone func()) {
	logger := b.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(icon.Logo, icon.Logo)
		systray.SetTitle("blueberryd")
		systray.SetTooltip("blueberryd")

		pairNew := systray.AddMenuItem("Pair new device", "Make discoverable and pair the first device that asks")
		switchDevice := systray.AddMenuItem("Connect different device", "Switch to another paired device")

		editConfig := systray.AddMenuItem("Edit configuration", "Open config file in an editor")

		var dumpStack *systray.MenuItem
		if b.verbose {
			dumpStack = systray.AddMenuItem("Dump stack trace", "Output all goroutines stack trace to log (for debugging deadlocks)")
		}

		if b.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(b.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop blueberryd and quit")

		// wait on things to happen
		go func() {
			for {
				select {

				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					b.signalStop()

				case <-pairNew.ClickedCh:
					logger.Info("Pair menu item clicked, starting autopair")

					if ok, err := b.audio.Autopair(); err != nil {
						logger.Warnw("Autopair failed", "error", err)
					} else if !ok {
						logger.Info("Autopair found no pairable device")
					}

				case <-switchDevice.ClickedCh:
					logger.Info("Switch menu item clicked, connecting to a different device")

					if ok, err := b.audio.ConnectDifferentDevice(); err != nil {
						logger.Warnw("Device switch failed", "error", err)
					} else if !ok {
						logger.Info("No other paired device accepted a connection")
					}

				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					editor := "notepad.exe"
					if util.Linux() {
						if editorEnv := os.Getenv("EDITOR"); editorEnv != "" {
							editor = editorEnv
						} else {
							editor = "xdg-open"
						}
					}

					if err := util.OpenExternal(logger, editor, userConfigFilepath); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}
				}
			}
		}()

		// dump stack trace handler (only in verbose/debug mode)
		if b.verbose && dumpStack != nil {
			go func() {
				for {
					<-dumpStack.ClickedCh
					logger.Info("Dump stack trace menu item clicked, outputting all goroutines stack trace")
					util.DumpAllGoroutines(logger)
				}
			}()
		}

		// actually start the main runtime
		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (b *Blueberry) stopTray() {
	b.logger.Debug("Quitting tray")
	systray.Quit()
}
