package wisp

// WispLogoIconData is the tray icon, a 16x16 PNG.
var WispLogoIconData = []byte{
	137, 80, 78, 71, 13, 10, 26, 10, 0, 0, 0, 13, 73, 72, 68, 82,
	0, 0, 0, 16, 0, 0, 0, 16, 8, 6, 0, 0, 0, 31, 243, 255,
	97, 0, 0, 0, 60, 73, 68, 65, 84, 120, 218, 99, 112, 216, 119, 130,
	129, 18, 140, 75, 226, 63, 14, 76, 148, 1, 255, 9, 96, 188, 6, 252,
	39, 18, 99, 53, 224, 63, 137, 24, 197, 128, 255, 100, 226, 81, 3, 168,
	105, 0, 197, 209, 72, 149, 132, 68, 149, 164, 76, 149, 204, 68, 18, 6,
	0, 145, 149, 97, 131, 118, 197, 245, 21, 0, 0, 0, 0, 73, 69, 78,
	68, 174, 66, 96, 130,
}
