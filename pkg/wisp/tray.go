package wisp

import (
	"fyne.io/systray"

	"github.com/wisplabs/wisp/pkg/wisp/util"
)

func (w *Wisp) initializeTray(onDone func()) {
	logger := w.logger.Named("tray")

	onReady := func() {
		logger.Debug("Tray instance ready")

		systray.SetTemplateIcon(WispLogoIconData, WispLogoIconData)
		systray.SetTitle("wisp")
		systray.SetTooltip("wisp")

		editConfig := systray.AddMenuItem("Edit configuration", "Open config file with a text editor")

		recreateEndpoints := systray.AddMenuItem("Re-create endpoints", "Tear down and re-create all virtual endpoints")

		if w.version != "" {
			systray.AddSeparator()
			versionInfo := systray.AddMenuItem(w.version, "")
			versionInfo.Disable()
		}

		systray.AddSeparator()
		quit := systray.AddMenuItem("Quit", "Stop wisp and quit")

		go func() {
			for {
				select {
				case <-quit.ClickedCh:
					logger.Info("Quit menu item clicked, stopping")

					w.signalStop()

				case <-editConfig.ClickedCh:
					logger.Info("Edit config menu item clicked, opening config for editing")

					// TODO: make editor configurable
					editor := "gedit"
					if !util.Linux() {
						editor = "notepad.exe"
					}

					if err := util.OpenExternal(logger, editor, userConfigFilepath); err != nil {
						logger.Warnw("Failed to open config file for editing", "error", err)
					}

				case <-recreateEndpoints.ClickedCh:
					logger.Info("Re-create endpoints menu item clicked")
					w.recreateEndpoints()
				}
			}
		}()

		onDone()
	}

	onExit := func() {
		logger.Debug("Tray exited")
	}

	logger.Debug("Running in tray")
	systray.Run(onReady, onExit)
}

func (w *Wisp) stopTray() {
	w.logger.Debug("Quitting tray")
	systray.Quit()
}
