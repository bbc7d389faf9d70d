package esp8266

// When doing stub development, enable the line below and run:
//  go generate github.com/mongoose-os/mos/mos/flash/esp && go build -v && ./mos flash ...
//
// DISABLED go:generate ./genstubs.sh
//go:generate go-bindata -pkg esp8266 -nocompress -modtime 1 -mode 420 data/
