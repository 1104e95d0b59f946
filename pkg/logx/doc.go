// Package logx configures pricewatch's structured logging.
//
// Logger is a thin value type on top of zerolog:
//   - console output keeps a short timestamp and a file:line caller
//   - the optional file sink writes JSON lines
//   - the optional chat sink forwards WARN+ records through a ChatSender,
//     rate limited so a failing sweep cannot flood the operator chat
package logx
