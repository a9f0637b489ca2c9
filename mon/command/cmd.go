package command

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/seaweedfs/mapmon/mon/server"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	cmdServerAddress *string
	cmdArgs          *string
	cmdToken         *string
	cmdTimeout       *time.Duration
)

func init() {
	cmdCmd.Run = runCmd // break init cycle
	cmdServerAddress = cmdCmd.Flag.String("server", "localhost:9333", "map monitor http address")
	cmdArgs = cmdCmd.Flag.String("args", "{}", "command arguments as a json object")
	cmdToken = cmdCmd.Flag.String("token", "", "request token; resending a token joins the earlier request")
	cmdTimeout = cmdCmd.Flag.Duration("timeout", 2*time.Minute, "how long to wait for the reply")
}

var cmdCmd = &Command{
	UsageLine: `cmd -server=localhost:9333 -args='{"id": 3}' device out`,
	Short:     "send a command to a map monitor",
	Long: `send a command to a map monitor and print its json reply.

  The words after the flags name the command. "mapmon cmd help" lists all commands.

  `,
}

func runCmd(cmd *Command, args []string) bool {
	if len(args) == 0 {
		return false
	}
	var req server.CommandRequest
	req.Prefix = strings.Join(args, " ")
	req.Token = *cmdToken
	if err := json.Unmarshal([]byte(*cmdArgs), &req.Args); err != nil {
		fmt.Fprintf(os.Stderr, "parse -args: %v\n", err)
		os.Exit(1)
	}
	status, body, err := postCommand(*cmdServerAddress, req, *cmdTimeout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	var out bytes.Buffer
	if err := jsonIndent(&out, body); err != nil {
		out.Reset()
		out.Write(body)
	}
	fmt.Println(out.String())
	if status != http.StatusOK {
		os.Exit(1)
	}
	return true
}

func postCommand(address string, req server.CommandRequest, timeout time.Duration) (int, []byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return 0, nil, err
	}
	if !strings.HasPrefix(address, "http://") && !strings.HasPrefix(address, "https://") {
		address = "http://" + address
	}
	client := &http.Client{Timeout: timeout}
	resp, err := client.Post(address+"/cmd", "application/json", bytes.NewReader(data))
	if err != nil {
		return 0, nil, fmt.Errorf("post %s: %v", req.Prefix, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read reply: %v", err)
	}
	return resp.StatusCode, body, nil
}

func jsonIndent(w io.Writer, body []byte) error {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
